package mcu

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultBaudRate is the standard baud rate for the sensor firmware link.
const DefaultBaudRate = 250000

type respKey struct {
	name string
	oid  int64
}

// Serial is a Conn over a serial/USB port using the framed wire protocol.
type Serial struct {
	port string
	baud int
	log  *zap.Logger

	mu        sync.RWMutex
	conn      serial.Port
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex
	txSeq   uint16

	handlerMu    sync.Mutex
	acks         map[uint16]chan struct{}
	queryWaiters map[string][]chan Params
	respHandlers map[respKey]func(Params)
	bulkHandlers map[int64]func(seq uint16, data []byte)

	// Asynchronous notification handlers run off the reader goroutine:
	// they may send commands and wait for acks, and only the reader can
	// deliver those acks.
	notifyCh chan func()
}

var _ Conn = (*Serial)(nil)

// NewSerial creates a serial connection for the given port. Call Connect
// before use.
func NewSerial(port string, baud int, logger *zap.Logger) *Serial {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Serial{
		port:         port,
		baud:         baud,
		log:          logger,
		ctx:          ctx,
		cancel:       cancel,
		acks:         make(map[uint16]chan struct{}),
		queryWaiters: make(map[string][]chan Params),
		respHandlers: make(map[respKey]func(Params)),
		bulkHandlers: make(map[int64]func(uint16, []byte)),
		notifyCh:     make(chan func(), 16),
	}
}

// Connect opens the serial port and starts the reader goroutine.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{BaudRate: s.baud}
	port, err := serial.Open(s.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}

	s.startLocked(port)

	return nil
}

// startLocked attaches the port and starts the reader and notifier
// goroutines. Caller holds s.mu.
func (s *Serial) startLocked(port serial.Port) {
	s.conn = port
	s.connected = true
	go s.readFrames()
	go s.runNotify()
}

// Close closes the connection and stops the reader goroutine.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Warn("error closing serial port", zap.Error(err))
		}
		s.conn = nil
	}
	s.connected = false
	return nil
}

// IsConnected reports whether the port is currently open.
func (s *Serial) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Serial) writeFrame(ft frameType, seq uint16, payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()
	if !connected || conn == nil {
		return ErrClosed
	}

	buf, err := encodeFrame(ft, seq, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

func (s *Serial) nextSeq() uint16 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.txSeq++
	return s.txSeq
}

// SendCommand transmits a command without waiting for a reply.
func (s *Serial) SendCommand(cmd string) error {
	return s.writeFrame(frameCommand, s.nextSeq(), []byte(cmd))
}

// SendWaitAck transmits a command and waits for its acknowledgement.
func (s *Serial) SendWaitAck(ctx context.Context, cmd string) error {
	seq := s.nextSeq()
	ch := make(chan struct{}, 1)

	s.handlerMu.Lock()
	s.acks[seq] = ch
	s.handlerMu.Unlock()
	defer func() {
		s.handlerMu.Lock()
		delete(s.acks, seq)
		s.handlerMu.Unlock()
	}()

	if err := s.writeFrame(frameCommand, seq, []byte(cmd)); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ErrAckTimeout
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// SendQuery transmits a command and waits for the response named respName.
func (s *Serial) SendQuery(ctx context.Context, cmd string, respName string) (Params, error) {
	ch := make(chan Params, 1)

	s.handlerMu.Lock()
	s.queryWaiters[respName] = append(s.queryWaiters[respName], ch)
	s.handlerMu.Unlock()

	if err := s.SendCommand(cmd); err != nil {
		s.dropWaiter(respName, ch)
		return nil, err
	}

	select {
	case params := <-ch:
		return params, nil
	case <-ctx.Done():
		s.dropWaiter(respName, ch)
		return nil, fmt.Errorf("mcu: no %s response: %w", respName, ctx.Err())
	case <-s.ctx.Done():
		s.dropWaiter(respName, ch)
		return nil, ErrClosed
	}
}

func (s *Serial) dropWaiter(respName string, ch chan Params) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	waiters := s.queryWaiters[respName]
	for i, w := range waiters {
		if w == ch {
			s.queryWaiters[respName] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// RegisterResponse installs a handler for asynchronous responses.
func (s *Serial) RegisterResponse(name string, oid int64, fn func(Params)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.respHandlers[respKey{name, oid}] = fn
}

// RegisterBulk installs the bulk data handler for an oid.
func (s *Serial) RegisterBulk(oid int64, fn func(seq uint16, data []byte)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.bulkHandlers[oid] = fn
}

// readFrames reads the port and dispatches complete frames.
func (s *Serial) readFrames() {
	var buf []byte
	chunk := make([]byte, 256)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(chunk)
		if err != nil {
			if err != io.EOF && s.ctx.Err() == nil {
				s.log.Error("error reading from serial port", zap.Error(err))
			}
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			ft, seq, payload, consumed, err := decodeFrame(buf)
			if err != nil {
				s.log.Debug("discarding corrupt frame data", zap.Error(err))
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			if err != nil || ft == 0 {
				continue
			}
			s.dispatch(ft, seq, payload)
		}
	}
}

// runNotify delivers asynchronous notifications to their handlers,
// decoupled from the reader goroutine so handlers may perform their own
// transport round trips.
func (s *Serial) runNotify() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.notifyCh:
			fn()
		}
	}
}

func (s *Serial) dispatch(ft frameType, seq uint16, payload []byte) {
	switch ft {
	case frameAck:
		s.handlerMu.Lock()
		ch := s.acks[seq]
		s.handlerMu.Unlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

	case frameResponse:
		name, params, err := ParseResponse(string(payload))
		if err != nil {
			s.log.Warn("unparseable response", zap.Error(err))
			return
		}
		s.handlerMu.Lock()
		var waiter chan Params
		if waiters := s.queryWaiters[name]; len(waiters) > 0 {
			waiter = waiters[0]
			s.queryWaiters[name] = waiters[1:]
		}
		handler := s.respHandlers[respKey{name, params["oid"]}]
		s.handlerMu.Unlock()

		if waiter != nil {
			waiter <- params
			return
		}
		if handler != nil {
			// Never invoke the handler here: it may block on an ack
			// that only this goroutine can deliver.
			select {
			case s.notifyCh <- func() { handler(params) }:
			default:
				s.log.Warn("notification handler backlog, dropping",
					zap.String("name", name))
			}
			return
		}
		s.log.Debug("unhandled response", zap.String("name", name))

	case frameBulk:
		if len(payload) < 1 {
			return
		}
		oid := int64(payload[0])
		s.handlerMu.Lock()
		handler := s.bulkHandlers[oid]
		s.handlerMu.Unlock()
		if handler != nil {
			handler(seq, payload[1:])
		}
	}
}
