package bulk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkDataQueue_PullDrainsInOrder(t *testing.T) {
	q := NewBulkDataQueue()
	q.Push(0, []byte{1})
	q.Push(1, []byte{2})
	q.Push(2, []byte{3})

	msgs := q.PullSamples()
	require.Len(t, msgs, 3)
	assert.Equal(t, uint16(0), msgs[0].Sequence)
	assert.Equal(t, uint16(2), msgs[2].Sequence)
	assert.Equal(t, []byte{2}, msgs[1].Data)

	assert.Empty(t, q.PullSamples(), "second pull must be empty")
}

func TestBulkDataQueue_PullEmptyNonBlocking(t *testing.T) {
	q := NewBulkDataQueue()
	assert.Empty(t, q.PullSamples())
}

func TestBulkDataQueue_Clear(t *testing.T) {
	q := NewBulkDataQueue()
	q.Push(0, []byte{1})
	q.Push(1, []byte{2})
	q.ClearSamples()
	assert.Empty(t, q.PullSamples())
}

func TestBulkDataQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := NewBulkDataQueue()
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Push(uint16(i), []byte{byte(i)})
		}
	}()

	// Drain concurrently; every message must come out exactly once and
	// in order.
	var got []RawMessage
	for len(got) < total {
		got = append(got, q.PullSamples()...)
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, msg := range got {
		assert.Equal(t, uint16(i), msg.Sequence)
	}
}
