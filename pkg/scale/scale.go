// Package scale turns raw load cell counter batches into weight
// readings. It subscribes to a sample source, applies the tare offset
// and counts-per-gram calibration, optionally smooths with a moving
// average, and fans results out to callbacks and a channel.
package scale

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/itohio/goloadcell/pkg/bulk"
	"github.com/itohio/goloadcell/pkg/config"
)

// ErrNotRunning is returned by operations that need an active
// subscription.
var ErrNotRunning = errors.New("scale: not running")

// Measurement is one converted weight reading.
type Measurement struct {
	Time      float64 // Host timestamp in seconds
	Grams     float64 // Tared, calibrated weight
	Counts    int64   // Raw summed counter value
	Saturated bool    // At least one chip at its encoding extreme
}

// Source provides decoded sample batches. *hx71x.HX71x implements it.
type Source interface {
	AddClient(fn func([]bulk.Record)) (*bulk.Client, error)
}

// Scale converts sample batches from a Source to weight readings.
type Scale struct {
	log           *zap.Logger
	source        Source
	countsPerGram float64
	tareSamples   int

	mu     sync.RWMutex
	client *bulk.Client
	tare   float64
	latest Measurement
	have   bool

	// Moving average state; window of 0 disables smoothing.
	window  []float64
	winSize int
	winPos  int
	winSum  float64

	// Pending tare collection, guarded by mu.
	taring    bool
	tareAcc   float64
	tareCount int
	tareDone  chan struct{}

	callbacks []func(Measurement)
	cbMu      sync.RWMutex

	out chan Measurement
}

// New creates a scale over the given source. The source is not
// subscribed until Start.
func New(cfg *config.ScaleConfig, source Source, logger *zap.Logger) *Scale {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scale{
		log:           logger,
		source:        source,
		countsPerGram: cfg.CountsPerGram,
		tareSamples:   cfg.TareSamples,
		winSize:       cfg.AverageSamples,
		out:           make(chan Measurement, 256),
	}
	if s.winSize > 0 {
		s.window = make([]float64, 0, s.winSize)
	}
	return s
}

// Start subscribes to the source, which begins acquisition if this is
// the first subscriber.
func (s *Scale) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client, err := s.source.AddClient(s.processBatch)
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

// Stop drops the subscription; acquisition stops when the last
// subscriber leaves.
func (s *Scale) Stop() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// OnUpdate registers a callback invoked for every measurement.
func (s *Scale) OnUpdate(fn func(Measurement)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Measurements returns the buffered measurement channel. Readings are
// dropped, not blocked on, when the consumer falls behind.
func (s *Scale) Measurements() <-chan Measurement {
	return s.out
}

// Latest returns the most recent measurement, false before the first
// sample arrives.
func (s *Scale) Latest() (Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.have
}

// TareOffset returns the current tare offset in counts.
func (s *Scale) TareOffset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tare
}

// SetTareOffset sets the tare offset directly, e.g. from a saved
// calibration.
func (s *Scale) SetTareOffset(counts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tare = counts
}

// Tare zeroes the scale by averaging the next batch of samples and
// using the result as the new offset. Blocks until enough samples
// arrived or the context expires.
func (s *Scale) Tare(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.taring {
		done := s.tareDone
		s.mu.Unlock()
		// A tare is already collecting; wait on it.
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.taring = true
	s.tareAcc = 0
	s.tareCount = 0
	s.tareDone = make(chan struct{})
	done := s.tareDone
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.taring = false
		s.mu.Unlock()
		return ctx.Err()
	}
}

// processBatch receives decoded records from the source.
func (s *Scale) processBatch(records []bulk.Record) {
	for _, r := range records {
		s.processRecord(r)
	}
}

func (s *Scale) processRecord(r bulk.Record) {
	s.mu.Lock()

	if s.taring {
		s.tareAcc += float64(r.Total)
		s.tareCount++
		if s.tareCount >= s.tareSamples {
			s.tare = s.tareAcc / float64(s.tareCount)
			s.taring = false
			close(s.tareDone)
			s.resetWindowLocked()
			s.log.Info("scale tared", zap.Float64("offset_counts", s.tare))
		}
		s.mu.Unlock()
		return
	}

	grams := (float64(r.Total) - s.tare) / s.countsPerGram
	if s.winSize > 0 {
		grams = s.smoothLocked(grams)
	}
	m := Measurement{
		Time:      r.Time,
		Grams:     grams,
		Counts:    r.Total,
		Saturated: r.Saturated,
	}
	s.latest = m
	s.have = true
	s.mu.Unlock()

	select {
	case s.out <- m:
	default:
	}

	s.cbMu.RLock()
	cbs := s.callbacks
	s.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(m)
	}
}

// smoothLocked pushes a value through the moving average window and
// returns the current mean.
func (s *Scale) smoothLocked(v float64) float64 {
	if len(s.window) < s.winSize {
		s.window = append(s.window, v)
		s.winSum += v
	} else {
		s.winSum += v - s.window[s.winPos]
		s.window[s.winPos] = v
		s.winPos = (s.winPos + 1) % s.winSize
	}
	return s.winSum / float64(len(s.window))
}

func (s *Scale) resetWindowLocked() {
	if s.winSize > 0 {
		s.window = s.window[:0]
		s.winPos = 0
		s.winSum = 0
	}
}
