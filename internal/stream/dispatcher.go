package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
)

// DefaultPollTimeout is how long the output may sit without new data before
// it is drained
const DefaultPollTimeout = 100 * time.Millisecond

// Source is the consumer side of the ingress queue
type Source interface {
	Get(ctx context.Context, timeout time.Duration) (ingress.Message, error)
}

// Dispatcher is the single consumer loop feeding the engine
type Dispatcher struct {
	source      Source
	engine      *Engine
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher; pollTimeout <= 0 selects DefaultPollTimeout
func NewDispatcher(source Source, engine *Engine, pollTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Dispatcher{
		source:      source,
		engine:      engine,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Run polls the source until ctx is cancelled. Each message is sent to the
// engine; a poll that times out while the output is active drains it.
// Send and drain failures are logged and the loop keeps polling. An active
// stream is drained before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Stream dispatcher started", slog.Duration("poll_timeout", d.pollTimeout))
	defer d.logger.Info("Stream dispatcher stopped")

	for {
		msg, err := d.source.Get(ctx, d.pollTimeout)
		switch {
		case err == nil:
			if sendErr := d.engine.Send(ctx, msg.Data); sendErr != nil && ctx.Err() == nil {
				d.logger.Error("Failed to stream chunk",
					slog.Uint64("stream_id", uint64(msg.StreamID)),
					slog.Uint64("sequence", uint64(msg.Sequence)),
					slog.Int("length", len(msg.Data)),
					slog.String("error", sendErr.Error()),
				)
				d.reportFatal(sendErr)
			}

		case errors.Is(err, ingress.ErrTimeout):
			if d.engine.Running() {
				d.drain()
			}
			continue

		default:
			if ctx.Err() == nil {
				d.logger.Error("Ingress poll failed", slog.String("error", err.Error()))
				continue
			}
		}

		if ctx.Err() != nil {
			if d.engine.Running() {
				d.drain()
			}
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	if err := d.engine.Drain(); err != nil {
		d.logger.Error("Failed to drain output", slog.String("error", err.Error()))
		d.reportFatal(err)
	}
}

func (d *Dispatcher) reportFatal(err error) {
	if errors.Is(err, output.ErrFatal) {
		d.logger.Error("Output device requires reset", slog.String("error", err.Error()))
	}
}
