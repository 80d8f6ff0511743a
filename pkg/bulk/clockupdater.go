package bulk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/itohio/goloadcell/pkg/mcu"
)

// ErrClockDiscontinuity is returned by UpdateClock when the device
// reports unexpected overflow growth: samples accumulated since the last
// cycle carry best-effort timestamps.
var ErrClockDiscontinuity = errors.New("bulk: device reported sample overflow, timing is best-effort")

// ChipClockUpdater refreshes the clock regression once per batch cycle
// by querying the device's bulk status counters, and anchors sample
// block indices to device clock ticks for timestamping.
type ChipClockUpdater struct {
	clockSync *ClockSyncRegression
	m         *mcu.MCU
	cmdFmt    string // e.g. "query_hx71x_status oid=%d"
	respName  string
	oid       int64

	bytesPerBlock int
	blocksPerMsg  int
	ticksPerBlock float64

	now func() float64 // host time source, injectable for tests

	mu         sync.Mutex
	haveClock  bool
	lastClock  uint64 // 64-bit extended device clock at the last status
	lastSeq    uint64 // extended message sequence at the last status
	blockIndex uint64 // global block index matching lastClock
	overflows  int64
	expectSeq  uint64 // message sequence the next batch should open with
	haveExpect bool
}

// NewChipClockUpdater creates an updater for one acquisition session.
// ticksPerBlock is the device clock advance per sample block, i.e.
// clockFreq / sampleRate.
func NewChipClockUpdater(cs *ClockSyncRegression, m *mcu.MCU, oid int64,
	bytesPerBlock, blocksPerMsg int, sampleRate int) *ChipClockUpdater {
	return &ChipClockUpdater{
		clockSync:     cs,
		m:             m,
		oid:           oid,
		bytesPerBlock: bytesPerBlock,
		blocksPerMsg:  blocksPerMsg,
		ticksPerBlock: m.ClockFreq() / float64(sampleRate),
		now:           mcu.Monotonic,
	}
}

// SetupQueryCommand configures the status query sent by UpdateClock.
// cmdFmt must contain a single %d verb for the oid.
func (u *ChipClockUpdater) SetupQueryCommand(cmdFmt, respName string) {
	u.cmdFmt = cmdFmt
	u.respName = respName
}

// SetTimeSource overrides the host time source (tests only).
func (u *ChipClockUpdater) SetTimeSource(now func() float64) {
	u.now = now
}

// NoteStart resets internal bookkeeping when a measurement session
// begins.
func (u *ChipClockUpdater) NoteStart() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.haveClock = false
	u.lastClock = 0
	u.lastSeq = 0
	u.blockIndex = 0
	u.overflows = 0
	u.expectSeq = 0
	u.haveExpect = false
	u.clockSync.Reset()
}

// UpdateClock queries the device status counters and feeds a fresh
// (tick, hostTime) pair to the regression. Called once per batch cycle
// before decoding so timestamps for that batch use a current fit.
func (u *ChipClockUpdater) UpdateClock(ctx context.Context) error {
	cmd := fmt.Sprintf(u.cmdFmt, u.oid)
	params, err := u.m.Conn().SendQuery(ctx, cmd, u.respName)
	if err != nil {
		return fmt.Errorf("status query failed: %w", err)
	}
	hostTime := u.now()

	u.mu.Lock()
	defer u.mu.Unlock()

	clock32 := uint32(params["clock"])
	if !u.haveClock {
		u.haveClock = true
		u.lastClock = uint64(clock32)
	} else {
		u.lastClock = mcu.Clock32ToClock64(u.lastClock, clock32)
	}
	// The query itself takes time on the device; split the difference.
	tick := u.lastClock + uint64(params["query_ticks"]/2)

	u.lastSeq = extendSequence(u.lastSeq, uint16(params["next_sequence"]))
	buffered := uint64(params["buffered"]) / uint64(u.bytesPerBlock)
	u.blockIndex = u.lastSeq*uint64(u.blocksPerMsg) + buffered

	var discontinuity bool
	if o := params["possible_overflows"]; o > u.overflows {
		u.overflows = o
		discontinuity = true
	}

	if err := u.clockSync.Update(tick, hostTime); err != nil {
		return err
	}
	if discontinuity {
		return ErrClockDiscontinuity
	}
	return nil
}

// TickOfBlock returns the device clock tick of a global sample block
// index, extrapolated from the last status anchor at the configured
// sample spacing.
func (u *ChipClockUpdater) TickOfBlock(globalIndex uint64) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	delta := int64(globalIndex - u.blockIndex)
	return uint64(int64(u.lastClock) + int64(math.Round(float64(delta)*u.ticksPerBlock)))
}

// SeqBase returns the extended message sequence at the last status
// query, used to seed per-batch sequence extension.
func (u *ChipClockUpdater) SeqBase() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSeq
}

// SetLastPosition re-anchors the tick extrapolation to the final sample
// of a processed batch, seeding the next synchronization cycle.
func (u *ChipClockUpdater) SetLastPosition(globalIndex, tick uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blockIndex = globalIndex
	u.lastClock = tick
}

// nextExpectedSeq returns the message sequence the next batch should
// open with, so discontinuities spanning a batch boundary are counted.
func (u *ChipClockUpdater) nextExpectedSeq() (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.expectSeq, u.haveExpect
}

func (u *ChipClockUpdater) setNextExpectedSeq(seq uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.expectSeq = seq
	u.haveExpect = true
}

// extendSequence widens a wrapping 16-bit message sequence to 64 bits
// against the last extended value.
func extendSequence(last uint64, seq uint16) uint64 {
	delta := int64(int16(seq - uint16(last)))
	return uint64(int64(last) + delta)
}
