package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/stream"
)

func TestRecorderMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBlockSubmitted(64, 0)
	m.RecordBlockSubmitted(22, 42)
	m.RecordDrain(stream.DrainOK)
	m.RecordDrain(stream.DrainRearmed)
	m.RecordDrain(stream.DrainRearmed)
	m.RecordRecovery(true)
	m.RecordRecovery(false)
	m.SetStreamActive(true)
	m.ObserveAllocationWait(5 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksSubmitted))
	assert.Equal(t, 86.0, testutil.ToFloat64(m.PayloadBytes))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.PaddingBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drains.WithLabelValues(stream.DrainOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Drains.WithLabelValues(stream.DrainRearmed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamActive))

	m.SetStreamActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamActive))
}

func TestPacketMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPacketReceived()
	m.RecordPacketReceived()
	m.RecordPacketProcessed()
	m.RecordParseError()
	m.RecordPacketDropped(DropLate)
	m.RecordSequenceLost(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropLate)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SequenceLost))
}

func TestWatchPoolAndQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	pool, err := audio.NewPool(4, 64)
	require.NoError(t, err)
	q, err := ingress.NewQueue(1, ingress.DropNewest)
	require.NoError(t, err)

	m.WatchPool(pool)
	m.WatchQueue(q)

	_, err = pool.Allocate(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Put(context.Background(), ingress.Message{}))
	require.ErrorIs(t, q.Put(context.Background(), ingress.Message{}), ingress.ErrQueueFull)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["sink_pool_blocks_in_use"])
	assert.Equal(t, 4.0, values["sink_pool_blocks_capacity"])
	assert.Equal(t, 1.0, values["sink_ingress_queue_depth"])
	assert.Equal(t, 1.0, values["sink_ingress_queue_dropped_total"])
}

func TestNewMetricsTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
