package bulk

// TimestampHelper assigns absolute host timestamps to the sample blocks
// of one batch. Create one per batch, call UpdateSequence for each raw
// message and TimeOfMsg for each block within it, then SetLastChipClock
// once the batch is done.
//
// Timestamps derive from the absolute block index
// (sequence*blocksPerMsg + i), never from a running delta, so a message
// gap shifts only the lost samples and leaves later timestamps exact.
type TimestampHelper struct {
	clockSync    *ClockSyncRegression
	updater      *ChipClockUpdater
	blocksPerMsg int

	seq      uint64 // extended sequence of the current message
	expected uint64
	haveSeq  bool
	sawMsg   bool
	gaps     uint64 // messages lost across all gaps

	lastIndex uint64
	lastTick  uint64
	haveLast  bool
}

// NewTimestampHelper creates a helper for one batch.
func NewTimestampHelper(cs *ClockSyncRegression, u *ChipClockUpdater, blocksPerMsg int) *TimestampHelper {
	h := &TimestampHelper{
		clockSync:    cs,
		updater:      u,
		blocksPerMsg: blocksPerMsg,
		seq:          u.SeqBase(),
	}
	// Messages lost between this batch and the previous one must count
	// too, so the expectation carries over from the last processed batch.
	if next, ok := u.nextExpectedSeq(); ok {
		h.expected = next
		h.haveSeq = true
	}
	return h
}

// UpdateSequence registers the sequence number of the next raw message
// and tracks discontinuities.
func (h *TimestampHelper) UpdateSequence(seq16 uint16) {
	h.seq = extendSequence(h.seq, seq16)
	if h.haveSeq && h.seq > h.expected {
		h.gaps += h.seq - h.expected
	}
	h.haveSeq = true
	h.sawMsg = true
	h.expected = h.seq + 1
}

// TimeOfMsg returns the host timestamp of block i within the current
// message.
func (h *TimestampHelper) TimeOfMsg(i int) float64 {
	global := h.seq*uint64(h.blocksPerMsg) + uint64(i)
	tick := h.updater.TickOfBlock(global)
	h.lastIndex = global
	h.lastTick = tick
	h.haveLast = true
	return h.clockSync.PredictTime(tick)
}

// SetLastChipClock records the tick of the final processed block so the
// next synchronization cycle extends from it.
func (h *TimestampHelper) SetLastChipClock() {
	if h.haveLast {
		h.updater.SetLastPosition(h.lastIndex, h.lastTick)
	}
	if h.sawMsg {
		h.updater.setNextExpectedSeq(h.seq + 1)
	}
}

// Gaps returns the number of messages lost across all sequence gaps seen
// by this helper.
func (h *TimestampHelper) Gaps() uint64 {
	return h.gaps
}
