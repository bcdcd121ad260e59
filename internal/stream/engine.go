package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
)

// Engine slices incoming chunks into pool blocks and drives the output
// channel's start/drain cycle. It is not safe for concurrent use: the
// dispatcher goroutine is its only caller. Stats may be read from anywhere.
type Engine struct {
	pool      *audio.Pool
	ch        output.Channel
	blockSize int
	logger    *slog.Logger
	recorder  Recorder

	// owned by the caller goroutine
	running    bool
	burstID    xid.ID
	burstStart time.Time

	mu    sync.Mutex
	stats EngineStats
}

// EngineStats represents engine counters for monitoring
type EngineStats struct {
	State            string `json:"state"`
	BurstID          string `json:"burst_id,omitempty"`
	Sends            uint64 `json:"sends"`
	BytesSent        uint64 `json:"bytes_sent"`
	BlocksSubmitted  uint64 `json:"blocks_submitted"`
	PaddingBytes     uint64 `json:"padding_bytes"`
	Starts           uint64 `json:"starts"`
	Drains           uint64 `json:"drains"`
	DrainFailures    uint64 `json:"drain_failures"`
	IOFaults         uint64 `json:"io_faults"`
	Recoveries       uint64 `json:"recoveries"`
	RecoveryFailures uint64 `json:"recovery_failures"`
	SendFailures     uint64 `json:"send_failures"`
	ResetRequired    bool   `json:"reset_required"`
	LastError        string `json:"last_error,omitempty"`
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithRecorder sends engine events to r
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates an idle engine. ch must already be configured with a
// block size equal to the pool's.
func NewEngine(pool *audio.Pool, ch output.Channel, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		pool:      pool,
		ch:        ch,
		blockSize: pool.BlockSize(),
		logger:    logger,
		recorder:  noopRecorder{},
	}
	e.stats.State = "idle"
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether the output is actively clocking
func (e *Engine) Running() bool {
	return e.running
}

// Send copies data into blocks and submits them in order. The first block
// of an idle stream starts the output. On return every byte of data has
// been copied out; data is never retained.
//
// A write that fails with output.ErrIOFault is recovered and retried once.
// Any failure aborts the call, leaves the engine idle and is returned.
func (e *Engine) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	for off := 0; off < len(data); off += e.blockSize {
		end := min(off+e.blockSize, len(data))
		if err := e.submit(ctx, data[off:end]); err != nil {
			e.abort(err, len(data), off)
			return err
		}
	}

	e.update(func(s *EngineStats) {
		s.Sends++
		s.BytesSent += uint64(len(data))
	})
	return nil
}

// submit allocates one block, fills it with chunk and hands it to the channel
func (e *Engine) submit(ctx context.Context, chunk []byte) error {
	waitStart := time.Now()
	b, err := e.pool.Allocate(ctx)
	if err != nil {
		return err
	}
	e.recorder.ObserveAllocationWait(time.Since(waitStart))

	b.Fill(chunk)

	rearmed, err := e.writeBlock(b, len(chunk))
	if err != nil {
		if relErr := e.pool.Release(b); relErr != nil {
			e.logger.Error("Failed to release rejected block", slog.String("error", relErr.Error()))
		}
		return err
	}

	padding := e.blockSize - len(chunk)
	e.recorder.RecordBlockSubmitted(len(chunk), padding)
	e.update(func(s *EngineStats) {
		s.BlocksSubmitted++
		s.PaddingBytes += uint64(padding)
	})

	// a recovered channel is re-armed but not clocking
	if !e.running || rearmed {
		if err := e.ch.Start(); err != nil {
			if errors.Is(err, output.ErrIOFault) {
				return fmt.Errorf("start output: %w", err)
			}
			return fatal("start output", err)
		}
		e.markStarted(rearmed)
	}
	return nil
}

// writeBlock writes b, recovering and retrying once on an I/O fault.
// rearmed reports whether a recovery happened, in which case the caller
// must start the channel again.
func (e *Engine) writeBlock(b audio.Block, length int) (rearmed bool, err error) {
	err = e.ch.Write(b, length)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, output.ErrIOFault) {
		return false, fatal("write block", err)
	}

	e.recorder.RecordIOFault()
	e.update(func(s *EngineStats) { s.IOFaults++ })
	e.logger.Debug("Output I/O fault, recovering",
		slog.String("burst_id", e.burstID.String()),
		slog.Int("block", b.Index()),
		slog.String("error", err.Error()),
	)

	if err := e.recover(); err != nil {
		return false, err
	}

	if err := e.ch.Write(b, length); err != nil {
		return true, fatal("retry write after recovery", err)
	}
	return true, nil
}

// Drain flushes the output and returns the engine to idle, whatever the
// outcome. A drain that fails is followed by a recovery attempt, and a
// failure that recovery clears is not reported.
func (e *Engine) Drain() error {
	wasRunning := e.running
	e.markIdle()

	err := e.ch.Drain()
	if err == nil {
		e.recorder.RecordDrain(DrainOK)
		e.update(func(s *EngineStats) { s.Drains++ })
		e.logger.Debug("Output drained", slog.Bool("was_running", wasRunning))
		return nil
	}

	if recErr := e.recover(); recErr != nil {
		e.recorder.RecordDrain(DrainFailed)
		e.update(func(s *EngineStats) { s.DrainFailures++ })
		return fmt.Errorf("drain failed (%v): %w", err, recErr)
	}

	e.recorder.RecordDrain(DrainRearmed)
	e.update(func(s *EngineStats) { s.Drains++ })
	if errors.Is(err, output.ErrIOFault) {
		// the clock underran before the idle timeout fired
		e.logger.Debug("Output underran before drain, re-armed")
	} else {
		e.logger.Warn("Output drain failed, re-armed", slog.String("error", err.Error()))
	}
	return nil
}

// recover re-arms the channel. Any failure is fatal.
func (e *Engine) recover() error {
	if err := e.ch.Recover(); err != nil {
		e.recorder.RecordRecovery(false)
		e.update(func(s *EngineStats) {
			s.RecoveryFailures++
			s.ResetRequired = true
		})
		return fatal("recover output", err)
	}

	e.recorder.RecordRecovery(true)
	e.update(func(s *EngineStats) {
		s.Recoveries++
		s.ResetRequired = false
	})
	return nil
}

// fatal wraps err so that it matches output.ErrFatal
func fatal(op string, err error) error {
	if errors.Is(err, output.ErrFatal) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, output.ErrFatal, err)
}

func (e *Engine) abort(err error, length, offset int) {
	wasRunning := e.running
	e.markIdle()
	e.recorder.RecordSendFailure()
	e.update(func(s *EngineStats) {
		s.SendFailures++
		s.LastError = err.Error()
		if errors.Is(err, output.ErrFatal) {
			s.ResetRequired = true
		}
	})

	e.logger.Warn("Send aborted",
		slog.Int("length", length),
		slog.Int("submitted_bytes", offset),
		slog.Bool("was_running", wasRunning),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) markStarted(rearmed bool) {
	e.recorder.RecordOutputStart()
	if e.running {
		e.update(func(s *EngineStats) { s.Starts++ })
		e.logger.Debug("Output restarted after recovery", slog.String("burst_id", e.burstID.String()))
		return
	}

	e.running = true
	e.burstID = xid.New()
	e.burstStart = time.Now()
	e.recorder.SetStreamActive(true)
	e.update(func(s *EngineStats) {
		s.Starts++
		s.State = "active"
		s.BurstID = e.burstID.String()
	})

	e.logger.Info("Output started",
		slog.String("burst_id", e.burstID.String()),
		slog.Bool("after_recovery", rearmed),
	)
}

func (e *Engine) markIdle() {
	if e.running {
		e.logger.Info("Output idle",
			slog.String("burst_id", e.burstID.String()),
			slog.Duration("burst_duration", time.Since(e.burstStart)),
		)
	}

	e.running = false
	e.recorder.SetStreamActive(false)
	e.update(func(s *EngineStats) {
		s.State = "idle"
		s.BurstID = ""
	})
}

func (e *Engine) update(fn func(s *EngineStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// GetStats returns current engine statistics
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
