package ingress

import (
	"fmt"
	"sync"
)

// DefaultMaxGap is the largest jump in either direction still treated as
// loss or reordering rather than a sender restart
const DefaultMaxGap = 20

// Verdict is what the tracker decided about one packet
type Verdict int

const (
	// InOrder is the expected next packet
	InOrder Verdict = iota
	// Gap means one or more packets before this one were lost
	Gap
	// Late is a packet older than the last accepted one, or a duplicate
	Late
	// Resync means the sequence jumped too far and tracking restarted
	Resync
)

// String returns a human-readable verdict name
func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Late:
		return "late"
	case Resync:
		return "resync"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Accepted reports whether a packet with this verdict should be forwarded
func (v Verdict) Accepted() bool {
	return v != Late
}

// SequenceTracker follows the sequence numbers of one stream. Once a chunk
// is queued it cannot be reordered, so late packets are dropped instead of
// buffered. Comparisons use serial arithmetic so the counter may wrap.
type SequenceTracker struct {
	mu       sync.Mutex
	maxGap   uint32
	started  bool
	expected uint32

	total   uint64
	lost    uint64
	late    uint64
	resyncs uint64
}

// SequenceStats represents sequence counters for monitoring
type SequenceStats struct {
	TotalPackets uint64  `json:"total_packets"`
	LostPackets  uint64  `json:"lost_packets"`
	LatePackets  uint64  `json:"late_packets"`
	Resyncs      uint64  `json:"resyncs"`
	LossRate     float64 `json:"loss_rate"`
	Expected     uint32  `json:"expected_sequence"`
}

// NewSequenceTracker creates a tracker; maxGap <= 0 selects DefaultMaxGap
func NewSequenceTracker(maxGap int) *SequenceTracker {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	return &SequenceTracker{maxGap: uint32(maxGap)}
}

// Observe classifies seq and advances the expected sequence. lost is the
// number of packets skipped when the verdict is Gap.
func (t *SequenceTracker) Observe(seq uint32) (v Verdict, lost uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++

	// initialize on the first packet
	if !t.started {
		t.started = true
		t.expected = seq + 1
		return InOrder, 0
	}

	delta := int32(seq - t.expected)
	switch {
	case delta == 0:
		t.expected = seq + 1
		return InOrder, 0
	case delta > 0 && uint32(delta) <= t.maxGap:
		t.lost += uint64(delta)
		t.expected = seq + 1
		return Gap, uint32(delta)
	case delta < 0 && uint32(-delta) <= t.maxGap:
		t.late++
		return Late, 0
	default:
		t.resyncs++
		t.expected = seq + 1
		return Resync, 0
	}
}

// Reset forgets the current position, e.g. when another stream takes over
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
}

// GetStats returns current sequence statistics
func (t *SequenceTracker) GetStats() SequenceStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lossRate float64
	if t.total+t.lost > 0 {
		lossRate = float64(t.lost) / float64(t.total+t.lost)
	}

	return SequenceStats{
		TotalPackets: t.total,
		LostPackets:  t.lost,
		LatePackets:  t.late,
		Resyncs:      t.resyncs,
		LossRate:     lossRate,
		Expected:     t.expected,
	}
}
