package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
)

// 88 frames of 16-bit stereo, about 2ms per block at 44.1kHz
const deviceBlockSize = 352

type payloadSink struct {
	mu      sync.Mutex
	payload []byte
}

func (s *payloadSink) Open(audio.Format) error { return nil }
func (s *payloadSink) Close() error { return nil }

func (s *payloadSink) WriteBlock(block []byte, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append(s.payload, block[:length]...)
	return nil
}

func (s *payloadSink) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.payload)
}

func newDeviceEngine(t *testing.T, sink output.Sink) (*Engine, *output.Device, *audio.Pool) {
	t.Helper()
	pool, err := audio.NewPool(4, deviceBlockSize)
	require.NoError(t, err)

	dev := output.NewDevice("test", sink, testLogger())
	require.NoError(t, dev.Configure(output.Config{
		WordSize:     16,
		Channels:     2,
		Format:       output.FormatI2S,
		FrameClockHz: 44100,
		BlockSize:    deviceBlockSize,
		Options:      output.FrameClockMaster | output.BitClockMaster,
		Pool:         pool,
	}))
	t.Cleanup(func() { dev.Close() })

	return NewEngine(pool, dev, testLogger()), dev, pool
}

func TestBurstsAcrossUnderrunsKeepEveryByte(t *testing.T) {
	sink := &payloadSink{}
	engine, dev, pool := newDeviceEngine(t, sink)
	ctx := context.Background()

	var want []byte
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, 300)
		want = append(want, chunk...)

		require.NoError(t, engine.Send(ctx, chunk), "burst %d", i)
		assert.True(t, engine.Running())

		// the clock runs dry after the single block and latches an underrun
		require.Eventually(t, func() bool { return dev.State() == output.StateError },
			time.Second, time.Millisecond, "burst %d", i)
	}

	require.NoError(t, engine.Drain(), "an underrun cleared by recovery is not a drain failure")
	assert.False(t, engine.Running())
	assert.Equal(t, output.StateReady, dev.State())

	assert.Equal(t, want, sink.received())
	assert.Equal(t, 0, pool.InUse())

	stats := engine.GetStats()
	assert.Equal(t, uint64(4), stats.IOFaults, "every burst after the first hits the latched underrun")
	assert.Equal(t, uint64(5), stats.Recoveries)
	assert.Equal(t, uint64(5), stats.Starts)
	assert.Equal(t, uint64(5), stats.Sends)
	assert.Equal(t, uint64(1), stats.Drains)
	assert.Zero(t, stats.SendFailures)
	assert.Zero(t, stats.DrainFailures)
	assert.False(t, stats.ResetRequired)

	assert.Equal(t, uint64(5), dev.GetStats().Underruns)
}
