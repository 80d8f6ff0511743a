package bulk

import "sync"

// RawMessage is one bulk data message as delivered by the transport: a
// wrapping 16-bit message sequence number and a fixed-size payload of
// packed sample blocks.
type RawMessage struct {
	Sequence uint16
	Data     []byte
}

// Record is one decoded, timestamped sample.
type Record struct {
	Time      float64 // host time, seconds
	Total     int64   // sum of all channel counts
	Counts    []int32 // per-chip counter values
	Saturated bool    // any channel at the extreme of its encoding
}

// BulkDataQueue buffers inbound raw messages between transport delivery
// and batch processing. The transport reader is the single producer; the
// batch cycle is the single consumer. Neither blocks the other beyond a
// brief critical section.
type BulkDataQueue struct {
	mu   sync.Mutex
	msgs []RawMessage
}

// NewBulkDataQueue creates an empty queue.
func NewBulkDataQueue() *BulkDataQueue {
	return &BulkDataQueue{}
}

// Push appends one raw message. Called from the transport reader.
func (q *BulkDataQueue) Push(seq uint16, data []byte) {
	q.mu.Lock()
	q.msgs = append(q.msgs, RawMessage{Sequence: seq, Data: data})
	q.mu.Unlock()
}

// PullSamples atomically drains and returns all buffered messages in
// arrival order. Returns nil when none are pending; never blocks.
func (q *BulkDataQueue) PullSamples() []RawMessage {
	q.mu.Lock()
	msgs := q.msgs
	q.msgs = nil
	q.mu.Unlock()
	return msgs
}

// ClearSamples drops all buffered messages. Used at measurement start
// and stop boundaries to discard stale data.
func (q *BulkDataQueue) ClearSamples() {
	q.mu.Lock()
	q.msgs = nil
	q.mu.Unlock()
}
