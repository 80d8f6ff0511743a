package mcu

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePort is an in-memory serial.Port. Everything the host writes is
// decoded and every command frame is acknowledged back into the read
// stream, like prompt firmware would.
type pipePort struct {
	rx chan []byte

	mu      sync.Mutex
	pending []byte // partial frame being reassembled from Write calls
	reading []byte // remainder of the frame being served to Read
	closed  bool
}

var _ serial.Port = (*pipePort)(nil)

func newPipePort() *pipePort {
	return &pipePort{rx: make(chan []byte, 64)}
}

func (p *pipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.reading) == 0 {
		p.mu.Unlock()
		data, ok := <-p.rx
		if !ok {
			return 0, io.EOF
		}
		p.mu.Lock()
		p.reading = data
	}
	n := copy(b, p.reading)
	p.reading = p.reading[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	var acks [][]byte
	for {
		ft, seq, _, consumed, err := decodeFrame(p.pending)
		if consumed == 0 {
			break
		}
		p.pending = p.pending[consumed:]
		if err != nil || ft != frameCommand {
			continue
		}
		ack, _ := encodeFrame(frameAck, seq, nil)
		acks = append(acks, ack)
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return 0, io.ErrClosedPipe
	}
	for _, ack := range acks {
		p.deliver(ack)
	}
	return len(b), nil
}

// deliver pushes a raw frame into the host's read stream.
func (p *pipePort) deliver(frame []byte) {
	select {
	case p.rx <- frame:
	default:
	}
}

func (p *pipePort) deliverResponse(payload string) {
	frame, _ := encodeFrame(frameResponse, 0, []byte(payload))
	p.deliver(frame)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.rx)
	}
	return nil
}

func (p *pipePort) SetMode(*serial.Mode) error { return nil }
func (p *pipePort) Drain() error               { return nil }
func (p *pipePort) ResetInputBuffer() error    { return nil }
func (p *pipePort) ResetOutputBuffer() error   { return nil }
func (p *pipePort) SetDTR(bool) error          { return nil }
func (p *pipePort) SetRTS(bool) error          { return nil }
func (p *pipePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (p *pipePort) SetReadTimeout(time.Duration) error { return nil }
func (p *pipePort) Break(time.Duration) error          { return nil }

func newTestSerial(t *testing.T, port *pipePort) *Serial {
	t.Helper()
	s := NewSerial("test", 0, nil)
	s.mu.Lock()
	s.startLocked(port)
	s.mu.Unlock()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSerial_SendWaitAck(t *testing.T) {
	s := newTestSerial(t, newPipePort())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.SendWaitAck(ctx, "query_hx71x oid=0 rest_ticks=0"))
}

func TestSerial_NotificationHandlerCanSendAndWait(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(t, port)

	// The reset handler cycles the device: a stop that waits for its
	// ack, then a fresh start. The ack arrives over the same link the
	// notification did, so the handler must not hold the reader up.
	done := make(chan error, 1)
	s.RegisterResponse("reset_hx71x", 1, func(Params) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.SendWaitAck(ctx, "query_hx71x oid=1 rest_ticks=0"); err != nil {
			done <- err
			return
		}
		done <- s.SendCommand("query_hx71x oid=1 rest_ticks=140000")
	})

	port.deliverResponse("reset_hx71x oid=1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reset handler never completed")
	}
}

func TestSerial_QueryBeatsNotificationHandler(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(t, port)

	handled := make(chan struct{}, 1)
	s.RegisterResponse("hx71x_status", 0, func(Params) {
		handled <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		port.deliverResponse("hx71x_status oid=0 clock=1000 query_ticks=320 next_sequence=0 buffered=0 possible_overflows=0")
	}()

	params, err := s.SendQuery(ctx, "query_hx71x_status oid=0", "hx71x_status")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), params["clock"])

	select {
	case <-handled:
		t.Fatal("pending query waiter must consume the response")
	case <-time.After(50 * time.Millisecond):
	}
}
