package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/stream"
)

var _ stream.Recorder = (*Metrics)(nil)

// Drop reasons for PacketsDropped
const (
	DropForeignStream = "foreign_stream"
	DropLate          = "late"
	DropDirection     = "direction"
	DropQueueFull     = "queue_full"
)

// Metrics contains all Prometheus metrics for the audio sink
type Metrics struct {
	factory promauto.Factory

	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	SequenceLost     prometheus.Counter

	// Engine metrics
	BlocksSubmitted prometheus.Counter
	PayloadBytes    prometheus.Counter
	PaddingBytes    prometheus.Counter
	AllocationWait  prometheus.Histogram
	OutputStarts    prometheus.Counter
	Drains          *prometheus.CounterVec
	IOFaults        prometheus.Counter
	Recoveries      *prometheus.CounterVec
	SendFailures    prometheus.Counter
	StreamActive    prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		factory: f,

		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "tlv_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "tlv_packets_processed_total",
			Help: "Total number of UDP packets successfully parsed",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tlv_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tlv_packets_dropped_total",
			Help: "Total number of audio packets not forwarded to the output",
		}, []string{"reason"}),
		SequenceLost: f.NewCounter(prometheus.CounterOpts{
			Name: "tlv_sequence_lost_total",
			Help: "Total number of audio packets missing from the sequence",
		}),

		BlocksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_blocks_submitted_total",
			Help: "Total number of blocks handed to the output channel",
		}),
		PayloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_payload_bytes_total",
			Help: "Total number of audio bytes submitted",
		}),
		PaddingBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_padding_bytes_total",
			Help: "Total number of zero bytes used to pad partial blocks",
		}),
		AllocationWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sink_block_allocation_wait_seconds",
			Help:    "Time spent waiting for a free transmit block",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		}),
		OutputStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_output_starts_total",
			Help: "Total number of output start triggers",
		}),
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_output_drains_total",
			Help: "Total number of output drains by outcome",
		}, []string{"outcome"}),
		IOFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_output_io_faults_total",
			Help: "Total number of recoverable output write faults",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_output_recoveries_total",
			Help: "Total number of output recovery attempts by result",
		}, []string{"result"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sink_send_failures_total",
			Help: "Total number of chunks whose streaming was aborted",
		}),
		StreamActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sink_stream_active",
			Help: "1 while the output is clocking, 0 while idle",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// WatchPool exports pool occupancy
func (m *Metrics) WatchPool(p *audio.Pool) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sink_pool_blocks_in_use",
		Help: "Number of transmit blocks currently live",
	}, func() float64 { return float64(p.InUse()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sink_pool_blocks_capacity",
		Help: "Number of transmit blocks in the pool",
	}, func() float64 { return float64(p.Capacity()) })
}

// WatchQueue exports ingress queue depth and drops
func (m *Metrics) WatchQueue(q *ingress.Queue) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sink_ingress_queue_depth",
		Help: "Number of chunks waiting in the ingress queue",
	}, func() float64 { return float64(q.Len()) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sink_ingress_queue_dropped_total",
		Help: "Total number of chunks dropped by the ingress overflow policy",
	}, func() float64 { return float64(q.GetStats().Dropped) })
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordPacketDropped counts an audio packet that was not forwarded
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordSequenceLost adds packets found missing from the sequence
func (m *Metrics) RecordSequenceLost(n uint32) {
	m.SequenceLost.Add(float64(n))
}

// RecordBlockSubmitted records one block handed to the output
func (m *Metrics) RecordBlockSubmitted(payloadBytes, paddingBytes int) {
	m.BlocksSubmitted.Inc()
	m.PayloadBytes.Add(float64(payloadBytes))
	m.PaddingBytes.Add(float64(paddingBytes))
}

// ObserveAllocationWait records how long a block allocation blocked
func (m *Metrics) ObserveAllocationWait(d time.Duration) {
	m.AllocationWait.Observe(d.Seconds())
}

// RecordOutputStart increments the start trigger counter
func (m *Metrics) RecordOutputStart() {
	m.OutputStarts.Inc()
}

// RecordDrain records a drain outcome
func (m *Metrics) RecordDrain(outcome string) {
	m.Drains.WithLabelValues(outcome).Inc()
}

// RecordIOFault increments the I/O fault counter
func (m *Metrics) RecordIOFault() {
	m.IOFaults.Inc()
}

// RecordRecovery records a recovery attempt
func (m *Metrics) RecordRecovery(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Recoveries.WithLabelValues(result).Inc()
}

// RecordSendFailure increments the aborted send counter
func (m *Metrics) RecordSendFailure() {
	m.SendFailures.Inc()
}

// SetStreamActive sets the stream state gauge
func (m *Metrics) SetStreamActive(active bool) {
	if active {
		m.StreamActive.Set(1)
		return
	}
	m.StreamActive.Set(0)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
