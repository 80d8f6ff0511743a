package mcu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAckTimeout is returned when the device fails to acknowledge a
	// command within the caller's deadline. Device state is unknown after
	// this; the session must be torn down and rebuilt.
	ErrAckTimeout = errors.New("mcu: command acknowledgement timed out")
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("mcu: connection closed")
)

// Params holds the decoded integer fields of a device response.
type Params map[string]int64

// Conn is an established command/data channel to the device firmware.
// Commands are formatted "name key=value ..." strings. Implementations
// must be safe for concurrent use.
type Conn interface {
	// SendCommand transmits a command without waiting for a reply.
	SendCommand(cmd string) error
	// SendWaitAck transmits a command and blocks until the device
	// acknowledges it or ctx expires (ErrAckTimeout).
	SendWaitAck(ctx context.Context, cmd string) error
	// SendQuery transmits a command and blocks for the matching response
	// message named respName.
	SendQuery(ctx context.Context, cmd string, respName string) (Params, error)
	// RegisterResponse installs a handler for asynchronous response
	// messages named name carrying the given oid. Handlers are invoked
	// off the transport reader goroutine and may themselves send
	// commands and wait for acknowledgements.
	RegisterResponse(name string, oid int64, fn func(Params))
	// RegisterBulk installs the handler for bulk data messages of oid.
	// Exactly one handler per oid; the handler runs on the reader
	// goroutine and must not block.
	RegisterBulk(oid int64, fn func(seq uint16, data []byte))
	Close() error
}

// MCU represents one remote microcontroller: its command channel, its
// nominal clock frequency and its object id allocator.
type MCU struct {
	conn Conn
	freq float64

	mu      sync.Mutex
	nextOid int64
}

// New creates an MCU handle over an established connection. freq is the
// nominal device clock frequency in Hz.
func New(conn Conn, freq float64) *MCU {
	return &MCU{conn: conn, freq: freq}
}

// Conn returns the underlying command channel.
func (m *MCU) Conn() Conn { return m.conn }

// ClockFreq returns the nominal device clock frequency in Hz.
func (m *MCU) ClockFreq() float64 { return m.freq }

// CreateOid allocates the next on-device object identifier.
func (m *MCU) CreateOid() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid := m.nextOid
	m.nextOid++
	return oid
}

// SecondsToClock converts a duration in seconds to device clock ticks.
func (m *MCU) SecondsToClock(sec float64) int64 {
	return int64(sec * m.freq)
}

// ClockToSeconds converts a tick count to seconds of device clock time.
func (m *MCU) ClockToSeconds(ticks int64) float64 {
	return float64(ticks) / m.freq
}

// Clock32ToClock64 extends a wrapping 32-bit device clock reading to a
// 64-bit clock using the last known 64-bit value. The reading is assumed
// to be within half the 32-bit range of lastClock.
func Clock32ToClock64(lastClock uint64, clock32 uint32) uint64 {
	delta := int64(int32(clock32 - uint32(lastClock)))
	return uint64(int64(lastClock) + delta)
}

var monotonicStart = time.Now()

// Monotonic returns seconds of monotonic host time. All host-side
// timestamps produced by this module are in this time domain.
func Monotonic() float64 {
	return time.Since(monotonicStart).Seconds()
}

// ParseResponse splits a "name key=value ..." message into its name and
// integer parameters.
func ParseResponse(msg string) (string, Params, error) {
	fields := strings.Fields(msg)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("mcu: empty response")
	}
	params := make(Params, len(fields)-1)
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return "", nil, fmt.Errorf("mcu: malformed response field %q", f)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("mcu: bad value in field %q: %w", f, err)
		}
		params[key] = n
	}
	return fields[0], params, nil
}

// CommandName returns the name portion of a formatted command.
func CommandName(cmd string) string {
	name, _, _ := strings.Cut(cmd, " ")
	return name
}
