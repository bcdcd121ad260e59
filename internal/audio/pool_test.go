package audio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsInvalidSizes(t *testing.T) {
	_, err := NewPool(0, 64)
	assert.Error(t, err)

	_, err = NewPool(2, 0)
	assert.Error(t, err)
}

func TestAllocateReturnsDistinctFixedSizeBlocks(t *testing.T) {
	pool, err := NewPool(3, 64)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		b, err := pool.Allocate(context.Background())
		require.NoError(t, err)
		assert.Len(t, b.Bytes(), 64)
		assert.False(t, seen[b.Index()], "block %d allocated twice", b.Index())
		seen[b.Index()] = true
	}

	assert.Equal(t, 3, pool.InUse())
	assert.Equal(t, PoolStats{Capacity: 3, InUse: 3, BlockSize: 64}, pool.GetStats())
}

func TestFillZeroPadsBlock(t *testing.T) {
	pool, err := NewPool(1, 8)
	require.NoError(t, err)

	b, err := pool.Allocate(context.Background())
	require.NoError(t, err)

	b.Fill(bytes.Repeat([]byte{0xff}, 8))
	n := b.Fill([]byte{1, 2, 3})

	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, b.Bytes())
}

func TestFillTruncatesToBlockSize(t *testing.T) {
	pool, err := NewPool(1, 4)
	require.NoError(t, err)

	b, err := pool.Allocate(context.Background())
	require.NoError(t, err)

	n := b.Fill([]byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
}

func TestAllocateBlocksUntilRelease(t *testing.T) {
	pool, err := NewPool(2, 16)
	require.NoError(t, err)

	first, err := pool.Allocate(context.Background())
	require.NoError(t, err)
	_, err = pool.Allocate(context.Background())
	require.NoError(t, err)

	got := make(chan Block, 1)
	go func() {
		b, err := pool.Allocate(context.Background())
		if err == nil {
			got <- b
		}
	}()

	select {
	case <-got:
		t.Fatal("third allocation returned while pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pool.Release(first))

	select {
	case b := <-got:
		assert.Equal(t, first.Index(), b.Index())
	case <-time.After(time.Second):
		t.Fatal("third allocation did not resume after release")
	}
	assert.Equal(t, 2, pool.InUse())
}

func TestAllocateHonoursContext(t *testing.T) {
	pool, err := NewPool(1, 16)
	require.NoError(t, err)

	_, err = pool.Allocate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Allocate(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReleaseRejectsForeignAndDoubleRelease(t *testing.T) {
	pool, err := NewPool(2, 16)
	require.NoError(t, err)
	other, err := NewPool(2, 16)
	require.NoError(t, err)

	b, err := pool.Allocate(context.Background())
	require.NoError(t, err)
	foreign, err := other.Allocate(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Release(Block{}), ErrBlockNotAllocated)
	assert.ErrorIs(t, pool.Release(foreign), ErrBlockNotAllocated)

	require.NoError(t, pool.Release(b))
	assert.ErrorIs(t, pool.Release(b), ErrBlockNotAllocated)
	assert.Equal(t, 0, pool.InUse())
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	pool, err := NewPool(capacity, 32)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		maxSeen int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b, err := pool.Allocate(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				if n := pool.InUse(); n > maxSeen {
					maxSeen = n
				}
				mu.Unlock()
				_ = pool.Release(b)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, capacity)
	assert.Equal(t, 0, pool.InUse())
}
