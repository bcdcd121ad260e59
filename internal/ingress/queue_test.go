package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(seq uint32) Message {
	return Message{StreamID: 1, Sequence: seq, Data: []byte{byte(seq)}, ReceivedAt: time.Now()}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want OverflowPolicy
		err  bool
	}{
		{"", DropNewest, false},
		{"drop_newest", DropNewest, false},
		{"drop_oldest", DropOldest, false},
		{"block", Block, false},
		{"ring", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewQueueInvalid(t *testing.T) {
	_, err := NewQueue(0, DropNewest)
	assert.Error(t, err)

	_, err = NewQueue(4, "ring")
	assert.Error(t, err)
}

func TestQueueFIFO(t *testing.T) {
	q, err := NewQueue(8, DropNewest)
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, q.Put(ctx, msg(i)))
	}
	assert.Equal(t, 5, q.Len())

	for i := uint32(1); i <= 5; i++ {
		m, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, m.Sequence)
	}

	stats := q.GetStats()
	assert.Equal(t, uint64(5), stats.Enqueued)
	assert.Equal(t, uint64(5), stats.Dequeued)
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, 8, stats.Capacity)
}

func TestQueueGetTimeout(t *testing.T) {
	q, err := NewQueue(1, DropNewest)
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Get(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueGetCancelled(t *testing.T) {
	q, err := NewQueue(1, DropNewest)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Get(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueDropNewest(t *testing.T) {
	q, err := NewQueue(2, DropNewest)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, msg(1)))
	require.NoError(t, q.Put(ctx, msg(2)))
	assert.ErrorIs(t, q.Put(ctx, msg(3)), ErrQueueFull)

	m, _ := q.Get(ctx, time.Second)
	assert.Equal(t, uint32(1), m.Sequence)
	m, _ = q.Get(ctx, time.Second)
	assert.Equal(t, uint32(2), m.Sequence)
	assert.Equal(t, uint64(1), q.GetStats().Dropped)
}

func TestQueueDropOldest(t *testing.T) {
	q, err := NewQueue(2, DropOldest)
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint32(1); i <= 4; i++ {
		require.NoError(t, q.Put(ctx, msg(i)))
	}

	m, _ := q.Get(ctx, time.Second)
	assert.Equal(t, uint32(3), m.Sequence)
	m, _ = q.Get(ctx, time.Second)
	assert.Equal(t, uint32(4), m.Sequence)
	assert.Equal(t, uint64(2), q.GetStats().Dropped)
}

func TestQueueBlockWaitsForRoom(t *testing.T) {
	q, err := NewQueue(1, Block)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, msg(1)))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, msg(2)) }()

	select {
	case <-done:
		t.Fatal("put returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	m, err := q.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.Sequence)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not unblock")
	}

	m, err = q.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), m.Sequence)
}

func TestQueueBlockCancelled(t *testing.T) {
	q, err := NewQueue(1, Block)
	require.NoError(t, err)

	require.NoError(t, q.Put(context.Background(), msg(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(ctx, msg(2)), context.DeadlineExceeded)
	assert.Equal(t, uint64(1), q.GetStats().Dropped)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q, err := NewQueue(16, Block)
	require.NoError(t, err)
	ctx := context.Background()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Put(ctx, msg(uint32(i))))
			}
		}()
	}

	received := 0
	for received < producers*perProducer {
		_, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		received++
	}
	wg.Wait()

	assert.Equal(t, uint64(producers*perProducer), q.GetStats().Dequeued)
}
