package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/config"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/metrics"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
	"github.com/skypro1111/tlv-audio-sink/internal/server"
	"github.com/skypro1111/tlv-audio-sink/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive TLV audio over UDP and play it on the output device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger, closeLog := initLogger(cfg.Logging, cmd.ErrOrStderr())
			defer closeLog()

			logger.Info("Service starting",
				slog.String("service", serviceName),
				slog.String("version", server.Version),
				slog.String("config_path", path),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(cfg, logger)
			if err != nil {
				logger.Error("Failed to initialize service", slog.String("error", err.Error()))
				return err
			}
			if err := svc.start(); err != nil {
				logger.Error("Failed to start service", slog.String("error", err.Error()))
				return err
			}
			return svc.wait(ctx)
		},
	}
}

// service owns every running component of the sink
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	pool       *audio.Pool
	device     *output.Device
	queue      *ingress.Queue
	engine     *stream.Engine
	dispatcher *stream.Dispatcher
	udp        *server.UDPServer
	http       *server.HTTPServer
}

// newService builds the component graph. A device that cannot be configured
// is fatal.
func newService(cfg *config.Config, logger *slog.Logger) (*service, error) {
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("direction", cfg.Server.Direction),
		slog.String("backend", cfg.Output.Backend),
		slog.Int("frame_rate", cfg.Output.FrameRate),
		slog.Int("block_size", cfg.Output.BlockSize),
		slog.Int("num_blocks", cfg.Output.NumBlocks),
		slog.Duration("block_duration", cfg.Output.GetBlockDuration()),
		slog.Duration("poll_timeout", cfg.Stream.GetPollTimeout()),
		slog.String("log_level", cfg.Logging.Level),
	)

	pool, err := audio.NewPool(cfg.Output.NumBlocks, cfg.Output.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create block pool: %w", err)
	}

	sink, err := output.NewSink(cfg.Output.Backend, cfg.Output.WAVPath)
	if err != nil {
		return nil, err
	}
	devCfg, err := cfg.Output.DeviceConfig(pool)
	if err != nil {
		return nil, err
	}
	device := output.NewDevice(cfg.Output.Backend, sink, logger)
	if err := device.Configure(devCfg); err != nil {
		return nil, fmt.Errorf("failed to configure output device: %w", err)
	}

	policy, err := ingress.ParseOverflowPolicy(cfg.Stream.OverflowPolicy)
	if err != nil {
		device.Close()
		return nil, err
	}
	queue, err := ingress.NewQueue(cfg.Stream.QueueCapacity, policy)
	if err != nil {
		device.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	m.WatchPool(pool)
	m.WatchQueue(queue)
	logger.Info("Prometheus metrics initialized")

	engine := stream.NewEngine(pool, device, logger, stream.WithRecorder(m))
	dispatcher := stream.NewDispatcher(queue, engine, cfg.Stream.GetPollTimeout(), logger)
	udp := server.NewUDPServer(&cfg.Server, logger, queue, cfg.Stream.MaxSequenceGap, server.WithPacketRecorder(m))

	svc := &service{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		pool:       pool,
		device:     device,
		queue:      queue,
		engine:     engine,
		dispatcher: dispatcher,
		udp:        udp,
	}

	if cfg.HTTP.Enabled {
		svc.http = server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Components{
			UDP:    udp,
			Queue:  queue,
			Engine: engine,
			Device: device,
			Pool:   pool,
		}, m, reg)
	}

	return svc, nil
}

// start binds the UDP and HTTP listeners
func (s *service) start() error {
	if err := s.udp.Start(); err != nil {
		s.device.Close()
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	if s.http != nil {
		if err := s.http.Start(); err != nil {
			s.udp.Stop()
			s.device.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	s.logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", s.udp.Addr().String()),
	)
	return nil
}

// wait runs the dispatcher until ctx is cancelled, then shuts everything down
func (s *service) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Starting graceful shutdown...")

		var errs []error
		if s.http != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.http.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop HTTP server: %w", err))
			}
		}
		if err := s.udp.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop UDP server: %w", err))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()

	if closeErr := s.device.Close(); closeErr != nil {
		s.logger.Error("Error closing output device", slog.String("error", closeErr.Error()))
		err = errors.Join(err, closeErr)
	}

	udpStats := s.udp.GetStatistics()
	engineStats := s.engine.GetStats()
	s.logger.Info("Final service statistics",
		slog.Uint64("packets_received", udpStats.PacketsReceived),
		slog.Uint64("packets_processed", udpStats.PacketsProcessed),
		slog.Uint64("parse_errors", udpStats.ParseErrors),
		slog.Uint64("bytes_sent", engineStats.BytesSent),
		slog.Uint64("blocks_submitted", engineStats.BlocksSubmitted),
		slog.Uint64("drains", engineStats.Drains),
		slog.Uint64("send_failures", engineStats.SendFailures),
	)

	s.logger.Info("Service stopped")
	return err
}
