package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned by Get when no message arrived within the poll window
	ErrTimeout = errors.New("ingress poll timeout")
	// ErrQueueFull is returned by Put under the drop_newest policy
	ErrQueueFull = errors.New("ingress queue full")
)

// OverflowPolicy selects what Put does when the queue is full
type OverflowPolicy string

const (
	// DropNewest rejects the incoming message
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the message at the head of the queue
	DropOldest OverflowPolicy = "drop_oldest"
	// Block waits for room, pushing back on the producer
	Block OverflowPolicy = "block"
)

// ParseOverflowPolicy maps a config value to a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case DropNewest, DropOldest, Block:
		return p, nil
	case "":
		return DropNewest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (valid: drop_newest, drop_oldest, block)", s)
	}
}

// Message is one chunk handed off by the producer. Data is owned by the
// message; the producer must not touch it after Put.
type Message struct {
	StreamID   uint32
	Sequence   uint32
	Data       []byte
	ReceivedAt time.Time
}

// Queue is a bounded FIFO between one or more producers and one consumer
type Queue struct {
	ch     chan Message
	policy OverflowPolicy

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// QueueStats represents queue counters for monitoring
type QueueStats struct {
	Capacity int    `json:"capacity"`
	Depth    int    `json:"depth"`
	Policy   string `json:"overflow_policy"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Dropped  uint64 `json:"dropped"`
}

// NewQueue creates a queue holding at most capacity messages
func NewQueue(capacity int, policy OverflowPolicy) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if _, err := ParseOverflowPolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = DropNewest
	}

	return &Queue{
		ch:     make(chan Message, capacity),
		policy: policy,
	}, nil
}

// Put enqueues msg according to the overflow policy. Under Block it waits
// until there is room or ctx is done.
func (q *Queue) Put(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		q.enqueued.Add(1)
		return nil
	default:
	}

	switch q.policy {
	case DropOldest:
		for {
			select {
			case q.ch <- msg:
				q.enqueued.Add(1)
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}

	case Block:
		select {
		case q.ch <- msg:
			q.enqueued.Add(1)
			return nil
		case <-ctx.Done():
			q.dropped.Add(1)
			return fmt.Errorf("enqueue: %w", ctx.Err())
		}

	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Get waits up to timeout for the next message
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-q.ch:
		q.dequeued.Add(1)
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	return QueueStats{
		Capacity: cap(q.ch),
		Depth:    len(q.ch),
		Policy:   string(q.policy),
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
	}
}
