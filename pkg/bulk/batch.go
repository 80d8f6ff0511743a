package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionFailed is wrapped into the fatal error recorded when a stop
// acknowledgement times out; the session must be rebuilt.
var ErrSessionFailed = errors.New("bulk: session failed")

// BatchCallback drains and decodes all samples accumulated since the
// previous cycle. An empty result is not an error; a returned error is
// logged and the cycle skipped.
type BatchCallback func(ctx context.Context) ([]Record, error)

// Client is one subscription to decoded batches. Close unsubscribes;
// closing the last subscription stops the acquisition.
type Client struct {
	h  *BatchBulkHelper
	fn func([]Record)

	// Endpoint identity, empty for plain clients
	name   string
	header []string
}

// Name returns the endpoint name, or "" for a plain client.
func (c *Client) Name() string { return c.name }

// Header returns the endpoint's schema header.
func (c *Client) Header() []string { return c.header }

// Close unsubscribes the client. When it was the last active
// subscription the acquisition is stopped; a stop failure is returned
// and recorded as the session's fatal error.
func (c *Client) Close() error {
	return c.h.removeClient(c)
}

// BatchBulkHelper drives the acquisition lifecycle. It is idle until the
// first client or dump endpoint subscribes, then runs the batch callback
// on a fixed period and fans non-empty batches out to every subscriber.
type BatchBulkHelper struct {
	log      *zap.Logger
	interval time.Duration

	batchCB  BatchCallback
	startCB  func() error
	finishCB func() error

	mu       sync.Mutex
	stopped  *sync.Cond // signalled when a stop in progress completes
	clients  map[*Client]struct{}
	running  bool
	stopping bool
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBatchBulkHelper creates a helper. startCB and finishCB issue the
// device start/stop commands; interval is the batch processing period.
func NewBatchBulkHelper(logger *zap.Logger, interval time.Duration,
	batchCB BatchCallback, startCB, finishCB func() error) *BatchBulkHelper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	b := &BatchBulkHelper{
		log:      logger,
		interval: interval,
		batchCB:  batchCB,
		startCB:  startCB,
		finishCB: finishCB,
		clients:  make(map[*Client]struct{}),
	}
	b.stopped = sync.NewCond(&b.mu)
	return b
}

// AddClient subscribes a callback to decoded batches. The first active
// subscription starts the measurement.
func (b *BatchBulkHelper) AddClient(fn func([]Record)) (*Client, error) {
	return b.add(&Client{h: b, fn: fn})
}

// AddMuxEndpoint subscribes a named, schema-tagged dump feed. Endpoints
// count toward the subscription reference count exactly like clients.
func (b *BatchBulkHelper) AddMuxEndpoint(name string, header []string, fn func([]Record)) (*Client, error) {
	return b.add(&Client{h: b, fn: fn, name: name, header: header})
}

func (b *BatchBulkHelper) add(c *Client) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.stopping {
		b.stopped.Wait()
	}
	if b.err != nil {
		return nil, b.err
	}
	if !b.running {
		if err := b.startLocked(); err != nil {
			return nil, err
		}
	}
	b.clients[c] = struct{}{}
	return c, nil
}

func (b *BatchBulkHelper) removeClient(c *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[c]; !ok {
		return nil
	}
	delete(b.clients, c)
	if len(b.clients) == 0 && b.running {
		return b.stopLocked()
	}
	return nil
}

// IsRunning reports whether the acquisition is active.
func (b *BatchBulkHelper) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Err returns the session's fatal error, if any.
func (b *BatchBulkHelper) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Restart cycles the measurement in place after a device reset
// notification. The periodic processing keeps running throughout.
func (b *BatchBulkHelper) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A teardown may be mid-flight with the lock released; cycling the
	// callbacks then would double up the device stop/start commands.
	for b.stopping {
		b.stopped.Wait()
	}
	if !b.running {
		return nil
	}
	if err := b.finishCB(); err != nil {
		b.failLocked(err)
		return b.err
	}
	if err := b.startCB(); err != nil {
		b.failLocked(err)
		return b.err
	}
	return nil
}

// startLocked begins the measurement and the processing timer.
func (b *BatchBulkHelper) startLocked() error {
	if err := b.startCB(); err != nil {
		return fmt.Errorf("failed to start measurements: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.run(ctx, b.done)
	return nil
}

// stopLocked halts the timer and issues the stop command. A stop failure
// is fatal to the session.
func (b *BatchBulkHelper) stopLocked() error {
	b.stopping = true
	b.cancel()
	done := b.done
	// The cycle goroutine takes b.mu to snapshot subscribers, so the
	// lock cannot be held while waiting it out.
	b.mu.Unlock()
	<-done
	b.mu.Lock()

	b.running = false
	b.stopping = false
	b.stopped.Broadcast()
	if err := b.finishCB(); err != nil {
		b.failLocked(err)
		return b.err
	}
	return nil
}

func (b *BatchBulkHelper) failLocked(err error) {
	b.err = fmt.Errorf("%w: %v", ErrSessionFailed, err)
	b.log.Error("measurement session failed", zap.Error(err))
	if b.running {
		b.cancel()
		b.running = false
	}
	b.clients = make(map[*Client]struct{})
}

// run fires the batch processing on a fixed period.
func (b *BatchBulkHelper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.processCycle(ctx)
		}
	}
}

func (b *BatchBulkHelper) processCycle(ctx context.Context) {
	records, err := b.batchCB(ctx)
	if err != nil {
		// Recoverable per-cycle faults (clock desync, overflow) are
		// logged; the pipeline resumes on the next cycle.
		b.log.Warn("batch cycle error", zap.Error(err))
		if records == nil {
			return
		}
	}
	if len(records) == 0 {
		return
	}

	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.fn(records)
	}
}
