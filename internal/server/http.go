package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/config"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/metrics"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
	"github.com/skypro1111/tlv-audio-sink/internal/stream"
)

// Version is reported by the API and the CLI
var Version = "dev"

// Components are the running parts the API reports on
type Components struct {
	UDP    *UDPServer
	Queue  *ingress.Queue
	Engine *stream.Engine
	Device *output.Device
	Pool   *audio.Pool
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server     *http.Server
	listener   net.Listener
	logger     *slog.Logger
	config     *config.Config
	components Components
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	components Components, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		components: components,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API router
func (h *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(h.withMetrics)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/stats", h.handleStats)
	r.Get("/config", h.handleConfig)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

// withMetrics records request counts and latency per route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())
	})
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth reports degraded once the output needs an external reset
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineStats := h.components.Engine.GetStats()
	deviceStats := h.components.Device.GetStats()

	status, code := "healthy", http.StatusOK
	if engineStats.ResetRequired {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "tlv-audio-sink",
			"version": Version,
		},
		"components": map[string]interface{}{
			"engine": map[string]interface{}{
				"state":          engineStats.State,
				"reset_required": engineStats.ResetRequired,
				"last_error":     engineStats.LastError,
			},
			"device": map[string]interface{}{
				"name":  deviceStats.Name,
				"state": deviceStats.State,
			},
		},
	}

	writeJSON(w, code, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.components.UDP.GetStatistics(),
		"queue":     h.components.Queue.GetStats(),
		"engine":    h.components.Engine.GetStats(),
		"device":    h.components.Device.GetStats(),
		"pool":      h.components.Pool.GetStats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":     c.Server.UDPPort,
			"bind_address": c.Server.BindAddress,
			"buffer_size":  c.Server.BufferSize,
			"direction":    c.Server.Direction,
		},
		"output": map[string]interface{}{
			"backend":            c.Output.Backend,
			"word_size":          c.Output.WordSize,
			"channels":           c.Output.Channels,
			"format":             c.Output.Format,
			"frame_rate":         c.Output.FrameRate,
			"block_size":         c.Output.BlockSize,
			"num_blocks":         c.Output.NumBlocks,
			"block_duration":     c.Output.GetBlockDuration().String(),
			"frame_clock_master": c.Output.FrameClockMaster,
			"bit_clock_master":   c.Output.BitClockMaster,
		},
		"stream": map[string]interface{}{
			"poll_timeout_ms":  c.Stream.PollTimeoutMs,
			"queue_capacity":   c.Stream.QueueCapacity,
			"overflow_policy":  c.Stream.OverflowPolicy,
			"max_sequence_gap": c.Stream.MaxSequenceGap,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, cfg)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "TLV Audio Sink",
		"version": Version,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /stats":   "UDP, queue, engine, device and pool statistics",
			"GET /config":  "Effective configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
