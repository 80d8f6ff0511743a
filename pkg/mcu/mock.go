package mcu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/itohio/goloadcell/pkg/config"
)

// Mock simulates the sensor firmware for testing and development. It
// understands the HX71x command set: config_hx71x fixes the chip count,
// query_hx71x starts or stops streaming, and query_hx71x_status reports
// the simulated clock and buffer counters.
//
// Time is simulated; call Advance to move the device clock forward and
// emit any bulk messages that become due. This keeps tests deterministic.
type Mock struct {
	cfg  *config.MockConfig
	freq float64
	rng  *rand.Rand

	mu           sync.Mutex
	now          float64 // simulated seconds since power-on
	commands     []string
	ackErr       error
	queryScripts map[string][]Params

	respHandlers map[respKey]func(Params)
	bulkHandlers map[int64]func(seq uint16, data []byte)

	// Streaming state
	running   bool
	oid       int64
	chipCount int
	sps       float64
	pending   float64 // fractional samples accrued since last Advance
	msgSeq    uint16
	msgBuf    []byte
	overflows int64
	forced    [][]int32 // queued override channel values, one per block
	dropNext  int
	closed    bool
}

var _ Conn = (*Mock)(nil)

// NewMock creates a simulated device. freq is the simulated MCU clock
// frequency in Hz.
func NewMock(cfg *config.MockConfig, freq float64) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{BiasCounts: 12000, NoiseCounts: 40}
	}
	return &Mock{
		cfg:          cfg,
		freq:         freq,
		rng:          rand.New(rand.NewSource(1)),
		queryScripts: make(map[string][]Params),
		respHandlers: make(map[respKey]func(Params)),
		bulkHandlers: make(map[int64]func(uint16, []byte)),
		chipCount:    1,
	}
}

// Clock returns the simulated 64-bit device clock.
func (m *Mock) Clock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clockLocked()
}

func (m *Mock) clockLocked() uint64 {
	return uint64(m.now * m.freq)
}

// Now returns the simulated time in seconds.
func (m *Mock) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Commands returns a snapshot of every command sent so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// CommandCount returns how many sent commands start with name.
func (m *Mock) CommandCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if CommandName(c) == name {
			n++
		}
	}
	return n
}

// FailAcks makes SendWaitAck return err; nil restores normal behavior.
func (m *Mock) FailAcks(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackErr = err
}

// ScriptQuery queues a canned response for the named query, consumed in
// FIFO order before any simulated response.
func (m *Mock) ScriptQuery(respName string, params Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryScripts[respName] = append(m.queryScripts[respName], params)
}

// EnqueueCounts queues explicit per-chip counter values for upcoming
// sample blocks, overriding the generated bias+noise values.
func (m *Mock) EnqueueCounts(blocks ...[]int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, blocks...)
}

// BumpOverflows increments the simulated overflow counter, as the
// firmware does when its sample buffer overruns.
func (m *Mock) BumpOverflows() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflows++
}

// InjectReset delivers an asynchronous reset_hx71x notification, as the
// firmware sends after a watchdog or timing fault shut the chip down.
func (m *Mock) InjectReset(oid int64) {
	m.mu.Lock()
	m.running = false
	handler := m.respHandlers[respKey{"reset_hx71x", oid}]
	m.mu.Unlock()
	if handler != nil {
		handler(Params{"oid": oid})
	}
}

// IsStreaming reports whether the simulated acquisition is running.
func (m *Mock) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SendCommand records and interprets a command.
func (m *Mock) SendCommand(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleCommand(cmd)
}

// SendWaitAck behaves like SendCommand; acknowledgement is immediate
// unless FailAcks is armed.
func (m *Mock) SendWaitAck(ctx context.Context, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ackErr != nil {
		return m.ackErr
	}
	return m.handleCommand(cmd)
}

// SendQuery records the command and produces the matching response.
func (m *Mock) SendQuery(ctx context.Context, cmd string, respName string) (Params, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.handleCommand(cmd); err != nil {
		return nil, err
	}

	if scripts := m.queryScripts[respName]; len(scripts) > 0 {
		params := scripts[0]
		m.queryScripts[respName] = scripts[1:]
		return params, nil
	}

	if respName != "hx71x_status" {
		return nil, fmt.Errorf("mock: no scripted response for %s", respName)
	}
	return Params{
		"oid":                m.oid,
		"clock":              int64(uint32(m.clockLocked())),
		"query_ticks":        int64(m.freq * 20e-6), // ~20us query cost
		"next_sequence":      int64(m.msgSeq),
		"buffered":           int64(len(m.msgBuf)),
		"possible_overflows": m.overflows,
	}, nil
}

func (m *Mock) handleCommand(cmd string) error {
	if m.closed {
		return ErrClosed
	}
	m.commands = append(m.commands, cmd)

	// Commands may carry non-numeric values (pin names); take the
	// integer fields and ignore the rest.
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return fmt.Errorf("mock: empty command")
	}
	name := fields[0]
	params := make(Params)
	for _, f := range fields[1:] {
		if key, val, ok := strings.Cut(f, "="); ok {
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				params[key] = n
			}
		}
	}
	switch name {
	case "config_hx71x":
		m.oid = params["oid"]
		if n := params["chip_count"]; n > 0 {
			m.chipCount = int(n)
		}
	case "query_hx71x":
		rest := params["rest_ticks"]
		if rest > 0 {
			// rest_ticks = 0.7/sps in device ticks; chip rates are whole
			m.sps = math.Round(0.7 * m.freq / float64(rest))
			m.running = true
			m.msgSeq = 0
			m.msgBuf = nil
			m.pending = 0
		} else {
			m.running = false
			m.msgBuf = nil
		}
	}
	return nil
}

// RegisterResponse installs a handler for asynchronous responses.
func (m *Mock) RegisterResponse(name string, oid int64, fn func(Params)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respHandlers[respKey{name, oid}] = fn
}

// RegisterBulk installs the bulk data handler for an oid.
func (m *Mock) RegisterBulk(oid int64, fn func(seq uint16, data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkHandlers[oid] = fn
}

// Close shuts the simulated device down.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.running = false
	return nil
}

// Advance moves simulated time forward and emits any bulk messages whose
// samples became due. Bulk handlers are invoked without the lock held, in
// arrival order.
func (m *Mock) Advance(dt float64) {
	type msg struct {
		handler func(uint16, []byte)
		seq     uint16
		data    []byte
	}
	var out []msg

	m.mu.Lock()
	m.now += dt
	if m.running && m.sps > 0 {
		handler := m.bulkHandlers[m.oid]
		blockSize := 4 * m.chipCount
		blocksPerMsg := MaxBulkMsgSize / blockSize
		m.pending += dt * m.sps
		for m.pending >= 1 {
			m.pending--
			m.msgBuf = append(m.msgBuf, m.makeBlock()...)
			if len(m.msgBuf) >= blocksPerMsg*blockSize {
				if m.dropNext > 0 {
					m.dropNext--
				} else if handler != nil {
					out = append(out, msg{handler, m.msgSeq, m.msgBuf})
				}
				m.msgSeq++
				m.msgBuf = nil
			}
		}
	}
	m.mu.Unlock()

	for _, o := range out {
		o.handler(o.seq, o.data)
	}
}

// makeBlock produces one sample block: chipCount little-endian int32s.
func (m *Mock) makeBlock() []byte {
	var counts []int32
	if len(m.forced) > 0 {
		counts = m.forced[0]
		m.forced = m.forced[1:]
	}
	block := make([]byte, 0, 4*m.chipCount)
	for i := 0; i < m.chipCount; i++ {
		v := m.cfg.BiasCounts
		if m.cfg.NoiseCounts > 0 {
			v += m.rng.Int31n(2*m.cfg.NoiseCounts+1) - m.cfg.NoiseCounts
		}
		if i < len(counts) {
			v = counts[i]
		}
		block = binary.LittleEndian.AppendUint32(block, uint32(v))
	}
	return block
}

// DropNextMessages makes the simulator silently discard the next n full
// bulk messages, advancing the sequence as real message loss would.
func (m *Mock) DropNextMessages(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropNext = n
}
