package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
)

const testBlockSize = 64

// fakeChannel records every call. Written blocks are returned to the pool
// immediately unless hold is set, in which case the test releases them.
type fakeChannel struct {
	pool *audio.Pool
	hold bool

	mu         sync.Mutex
	calls      []string
	blocks     [][]byte // full block contents of accepted writes
	lengths    []int
	held       []audio.Block
	writeErrs  []error // consumed one per Write call
	startErr   error
	drainErr   error
	recoverErr error
}

func (c *fakeChannel) Configure(output.Config) error { return nil }

func (c *fakeChannel) Write(b audio.Block, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "write")
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		if err != nil {
			return err
		}
	}

	c.blocks = append(c.blocks, bytes.Clone(b.Bytes()))
	c.lengths = append(c.lengths, length)
	if c.hold {
		c.held = append(c.held, b)
		return nil
	}
	return c.pool.Release(b)
}

func (c *fakeChannel) Start() error { return c.record("start", c.startErr) }
func (c *fakeChannel) Drain() error { return c.record("drain", c.drainErr) }
func (c *fakeChannel) Recover() error { return c.record("recover", c.recoverErr) }

func (c *fakeChannel) record(call string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return err
}

func (c *fakeChannel) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) count(call string) int {
	n := 0
	for _, got := range c.callLog() {
		if got == call {
			n++
		}
	}
	return n
}

func (c *fakeChannel) accepted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// payload joins the payload bytes of every accepted block
func (c *fakeChannel) payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for i, b := range c.blocks {
		out = append(out, b[:c.lengths[i]]...)
	}
	return out
}

func (c *fakeChannel) releaseOldest() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.held[0]
	c.held = c.held[1:]
	return c.pool.Release(b)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, numBlocks int) (*Engine, *fakeChannel) {
	t.Helper()
	pool, err := audio.NewPool(numBlocks, testBlockSize)
	require.NoError(t, err)
	ch := &fakeChannel{pool: pool}
	return NewEngine(pool, ch, testLogger()), ch
}

func sequentialData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	return data
}

func TestSendSlicesIntoBlocks(t *testing.T) {
	tests := []struct {
		length int
		blocks int
	}{
		{1, 1},
		{63, 1},
		{64, 1},
		{65, 2},
		{128, 2},
		{150, 3},
		{1000, 16},
	}

	for _, tt := range tests {
		engine, ch := newTestEngine(t, 4)
		data := sequentialData(tt.length)

		require.NoError(t, engine.Send(context.Background(), data), "length %d", tt.length)

		assert.Equal(t, tt.blocks, ch.accepted(), "length %d", tt.length)
		assert.Equal(t, data, ch.payload(), "length %d", tt.length)
		for i, b := range ch.blocks {
			assert.Len(t, b, testBlockSize)
			assert.Equal(t, make([]byte, testBlockSize-ch.lengths[i]), b[ch.lengths[i]:], "padding is zero")
		}
	}
}

func TestSend150BytesWithBlockSize64(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	data := bytes.Repeat([]byte{0x01}, 150)

	require.NoError(t, engine.Send(context.Background(), data))

	require.Len(t, ch.blocks, 3)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 64), ch.blocks[0])
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 64), ch.blocks[1])

	third := ch.blocks[2]
	assert.Len(t, third, 64)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 22), third[:22])
	assert.Equal(t, make([]byte, 42), third[22:])
	assert.Equal(t, []int{64, 64, 22}, ch.lengths)
}

func TestSendStartsOnceAfterFirstWrite(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, engine.Send(ctx, sequentialData(150)))
	assert.Equal(t, []string{"write", "start", "write", "write"}, ch.callLog())
	assert.True(t, engine.Running())

	require.NoError(t, engine.Send(ctx, sequentialData(10)))
	assert.Equal(t, 1, ch.count("start"), "no start while active")

	stats := engine.GetStats()
	assert.Equal(t, "active", stats.State)
	assert.NotEmpty(t, stats.BurstID)
	assert.Equal(t, uint64(2), stats.Sends)
	assert.Equal(t, uint64(160), stats.BytesSent)
	assert.Equal(t, uint64(4), stats.BlocksSubmitted)
	assert.Equal(t, uint64(42+54), stats.PaddingBytes)
}

func TestSendEmptyIsNoop(t *testing.T) {
	engine, ch := newTestEngine(t, 2)

	require.NoError(t, engine.Send(context.Background(), nil))
	assert.Empty(t, ch.callLog())
	assert.False(t, engine.Running())
}

func TestSendDoesNotRetainInput(t *testing.T) {
	engine, ch := newTestEngine(t, 2)
	data := bytes.Repeat([]byte{0xAB}, 10)

	require.NoError(t, engine.Send(context.Background(), data))
	for i := range data {
		data[i] = 0
	}

	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 10), ch.payload())
}

func TestSendBlocksOnExhaustedPool(t *testing.T) {
	engine, ch := newTestEngine(t, 2)
	ch.hold = true

	done := make(chan error, 1)
	go func() { done <- engine.Send(context.Background(), sequentialData(150)) }()

	require.Eventually(t, func() bool { return ch.accepted() == 2 }, time.Second, time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("send returned before a block was released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, ch.accepted(), "third allocation waits")
	assert.Equal(t, 2, engine.pool.InUse())

	require.NoError(t, ch.releaseOldest())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume after release")
	}
	assert.Equal(t, 3, ch.accepted())
	assert.LessOrEqual(t, engine.pool.InUse(), 2)
}

func TestSendCancelledWhileWaitingForBlock(t *testing.T) {
	engine, ch := newTestEngine(t, 1)
	ch.hold = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := engine.Send(ctx, sequentialData(100))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, engine.Running())
	assert.Equal(t, 1, ch.accepted())
}

func TestIOFaultOnSecondBlockRecoversAndRetries(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{nil, output.ErrIOFault}
	data := sequentialData(150)

	require.NoError(t, engine.Send(context.Background(), data))

	assert.Equal(t,
		[]string{"write", "start", "write", "recover", "write", "start", "write"},
		ch.callLog())
	assert.Equal(t, 1, ch.count("recover"))

	require.Len(t, ch.blocks, 3)
	assert.Equal(t, data[64:128], ch.blocks[1], "retried block carries the original slice")
	assert.Equal(t, data, ch.payload())
	assert.True(t, engine.Running())
	assert.Equal(t, 0, engine.pool.InUse())

	stats := engine.GetStats()
	assert.Equal(t, uint64(1), stats.IOFaults)
	assert.Equal(t, uint64(1), stats.Recoveries)
	assert.Equal(t, uint64(2), stats.Starts)
}

func TestIOFaultOnFirstBlockUsesSameRetry(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{output.ErrIOFault}

	require.NoError(t, engine.Send(context.Background(), sequentialData(10)))
	assert.Equal(t, []string{"write", "recover", "write", "start"}, ch.callLog())
	assert.True(t, engine.Running())
}

func TestRecoverFailureIsFatal(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{nil, output.ErrIOFault}
	ch.recoverErr = errors.New("device not responding")

	err := engine.Send(context.Background(), sequentialData(150))

	assert.ErrorIs(t, err, output.ErrFatal)
	assert.False(t, engine.Running())
	assert.Equal(t, 2, ch.count("write"), "third block is never attempted")
	assert.Equal(t, 0, engine.pool.InUse(), "rejected block is returned to the pool")

	stats := engine.GetStats()
	assert.True(t, stats.ResetRequired)
	assert.Equal(t, uint64(1), stats.SendFailures)
	assert.Equal(t, "idle", stats.State)
}

func TestRetryFailureIsFatal(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{nil, output.ErrIOFault, output.ErrIOFault}

	err := engine.Send(context.Background(), sequentialData(150))

	assert.ErrorIs(t, err, output.ErrFatal)
	assert.ErrorIs(t, err, output.ErrIOFault)
	assert.False(t, engine.Running())
	assert.Equal(t, 1, ch.count("recover"), "recovery is attempted once")
	assert.Equal(t, 3, ch.count("write"))
	assert.Equal(t, 0, engine.pool.InUse())
	assert.True(t, engine.GetStats().ResetRequired)
}

func TestOtherWriteFailureAborts(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{output.ErrInvalidState}

	err := engine.Send(context.Background(), sequentialData(150))

	assert.ErrorIs(t, err, output.ErrFatal)
	assert.ErrorIs(t, err, output.ErrInvalidState, "cause is kept")
	assert.Equal(t, []string{"write"}, ch.callLog(), "no recovery for a non-fault error")
	assert.False(t, engine.Running())
	assert.Equal(t, 0, engine.pool.InUse())
	assert.True(t, engine.GetStats().ResetRequired)
}

func TestStartFailureLeavesIdle(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.startErr = output.ErrInvalidState

	err := engine.Send(context.Background(), sequentialData(150))

	assert.ErrorIs(t, err, output.ErrFatal)
	assert.ErrorIs(t, err, output.ErrInvalidState)
	assert.Equal(t, []string{"write", "start"}, ch.callLog())
	assert.False(t, engine.Running())
	assert.True(t, engine.GetStats().ResetRequired)
}

func TestStartIOFaultIsNotFatal(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.startErr = output.ErrIOFault

	err := engine.Send(context.Background(), sequentialData(10))

	assert.ErrorIs(t, err, output.ErrIOFault)
	assert.NotErrorIs(t, err, output.ErrFatal)
	assert.False(t, engine.Running())
	assert.False(t, engine.GetStats().ResetRequired)
}

func TestSendAfterFailureStartsAgain(t *testing.T) {
	engine, ch := newTestEngine(t, 4)
	ch.writeErrs = []error{nil, errors.New("bus error")}
	ctx := context.Background()

	err := engine.Send(ctx, sequentialData(150))
	require.ErrorIs(t, err, output.ErrFatal)
	require.True(t, engine.GetStats().ResetRequired)

	require.NoError(t, engine.Send(ctx, sequentialData(10)))

	assert.Equal(t, 2, ch.count("start"))
	assert.True(t, engine.Running())
	assert.True(t, engine.GetStats().ResetRequired, "only a successful recovery clears the latch")
}

func TestDrainAlwaysLeavesIdle(t *testing.T) {
	tests := []struct {
		name       string
		drainErr   error
		recoverErr error
		wantErr    bool
		wantFatal  bool
		recovers   int
	}{
		{name: "clean drain"},
		{name: "underrun cleared by recovery", drainErr: output.ErrIOFault, recovers: 1},
		{name: "drain failure cleared by recovery", drainErr: output.ErrInvalidState, recovers: 1},
		{name: "drain failure and recovery failure", drainErr: errors.New("timeout"), recoverErr: errors.New("no response"), wantErr: true, wantFatal: true, recovers: 1},
		{name: "recovery failure", drainErr: output.ErrIOFault, recoverErr: errors.New("no response"), wantErr: true, wantFatal: true, recovers: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, ch := newTestEngine(t, 4)
			require.NoError(t, engine.Send(context.Background(), sequentialData(10)))
			require.True(t, engine.Running())

			ch.drainErr = tt.drainErr
			ch.recoverErr = tt.recoverErr

			err := engine.Drain()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantFatal {
				assert.ErrorIs(t, err, output.ErrFatal)
			}

			assert.False(t, engine.Running())
			assert.Equal(t, "idle", engine.GetStats().State)
			assert.Equal(t, 1, ch.count("drain"))
			assert.Equal(t, tt.recovers, ch.count("recover"))
		})
	}
}

type countingRecorder struct {
	noopRecorder
	drains  map[string]int
	starts  int
	faults  int
	active  bool
	padding int
}

func (r *countingRecorder) RecordDrain(outcome string) { r.drains[outcome]++ }
func (r *countingRecorder) RecordOutputStart() { r.starts++ }
func (r *countingRecorder) RecordIOFault() { r.faults++ }
func (r *countingRecorder) SetStreamActive(active bool) { r.active = active }
func (r *countingRecorder) RecordBlockSubmitted(_, padding int) { r.padding += padding }

func TestEngineReportsToRecorder(t *testing.T) {
	pool, err := audio.NewPool(4, testBlockSize)
	require.NoError(t, err)
	ch := &fakeChannel{pool: pool, writeErrs: []error{nil, output.ErrIOFault}}
	rec := &countingRecorder{drains: map[string]int{}}
	engine := NewEngine(pool, ch, testLogger(), WithRecorder(rec))

	require.NoError(t, engine.Send(context.Background(), sequentialData(150)))
	assert.True(t, rec.active)
	assert.Equal(t, 2, rec.starts)
	assert.Equal(t, 1, rec.faults)
	assert.Equal(t, 42, rec.padding)

	ch.drainErr = output.ErrIOFault
	require.NoError(t, engine.Drain())
	assert.False(t, rec.active)
	assert.Equal(t, 1, rec.drains[DrainRearmed])
}
