package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBlockNotAllocated is returned when a block is released that the pool
// does not consider live.
var ErrBlockNotAllocated = errors.New("block not allocated")

// Block is a fixed-size transmit buffer drawn from a Pool.
// The zero value is not a valid block.
type Block struct {
	index int
	data  []byte
}

// Index returns the slot of the block inside its pool arena
func (b Block) Index() int {
	return b.index
}

// Bytes returns the full block buffer (always BlockSize bytes)
func (b Block) Bytes() []byte {
	return b.data
}

// Fill zeroes the block and copies payload into its head.
// It returns the number of payload bytes copied.
func (b Block) Fill(payload []byte) int {
	clear(b.data)
	return copy(b.data, payload)
}

// Pool is a fixed-capacity allocator of fixed-size blocks backed by a single
// arena. Allocate blocks while every block is live.
type Pool struct {
	blockSize int
	arena     []byte
	free      chan int

	mu   sync.Mutex
	live []bool
	used int
}

// PoolStats represents pool occupancy for monitoring
type PoolStats struct {
	Capacity  int `json:"capacity"`
	InUse     int `json:"in_use"`
	BlockSize int `json:"block_size"`
}

// NewPool creates a pool of numBlocks blocks of blockSize bytes each
func NewPool(numBlocks, blockSize int) (*Pool, error) {
	if numBlocks < 1 {
		return nil, fmt.Errorf("num_blocks must be at least 1, got %d", numBlocks)
	}
	if blockSize < 1 {
		return nil, fmt.Errorf("block_size must be positive, got %d", blockSize)
	}

	p := &Pool{
		blockSize: blockSize,
		arena:     make([]byte, numBlocks*blockSize),
		free:      make(chan int, numBlocks),
		live:      make([]bool, numBlocks),
	}
	for i := 0; i < numBlocks; i++ {
		p.free <- i
	}
	return p, nil
}

// Allocate returns a free block, waiting for one to be released if the pool
// is exhausted. It only fails when ctx is done.
func (p *Pool) Allocate(ctx context.Context) (Block, error) {
	select {
	case idx := <-p.free:
		return p.take(idx), nil
	default:
	}

	select {
	case idx := <-p.free:
		return p.take(idx), nil
	case <-ctx.Done():
		return Block{}, fmt.Errorf("allocate block: %w", ctx.Err())
	}
}

func (p *Pool) take(idx int) Block {
	p.mu.Lock()
	p.live[idx] = true
	p.used++
	p.mu.Unlock()

	off := idx * p.blockSize
	return Block{index: idx, data: p.arena[off : off+p.blockSize : off+p.blockSize]}
}

// Release returns a block to the pool. Releasing a block twice, or a block
// from another pool, returns ErrBlockNotAllocated.
func (p *Pool) Release(b Block) error {
	if b.data == nil || b.index < 0 || b.index >= len(p.live) {
		return ErrBlockNotAllocated
	}
	off := b.index * p.blockSize
	if &b.data[0] != &p.arena[off] {
		return ErrBlockNotAllocated
	}

	p.mu.Lock()
	if !p.live[b.index] {
		p.mu.Unlock()
		return fmt.Errorf("release block %d: %w", b.index, ErrBlockNotAllocated)
	}
	p.live[b.index] = false
	p.used--
	p.mu.Unlock()

	p.free <- b.index
	return nil
}

// InUse returns the number of live blocks
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Capacity returns the total number of blocks
func (p *Pool) Capacity() int {
	return len(p.live)
}

// BlockSize returns the size of every block in bytes
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() PoolStats {
	return PoolStats{
		Capacity:  p.Capacity(),
		InUse:     p.InUse(),
		BlockSize: p.blockSize,
	}
}
