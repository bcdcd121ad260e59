package output

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
)

// State is the device-side transmit state
type State int

const (
	StateNotReady State = iota
	StateReady
	StateRunning
	StateStopping
	StateError
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// drainMargin is added to the expected flush time before Drain gives up
const drainMargin = 250 * time.Millisecond

type txBlock struct {
	block  audio.Block
	length int
}

// Device is a software-clocked output channel. A transmit goroutine shifts
// one queued block into the sink per block period while running. An empty
// queue at a clock tick while running latches StateError (underrun), which
// makes Write and Start fail with ErrIOFault until Recover.
type Device struct {
	name   string
	sink   Sink
	logger *slog.Logger

	// sinkMu is held across a whole tick and across Recover so that a sink
	// re-arm never runs alongside a block write. Taken before mu.
	sinkMu sync.Mutex

	mu      sync.Mutex
	state   State
	cfg     Config
	queue   []txBlock
	depth   int
	drained chan struct{}
	stats   DeviceStats

	closeC chan struct{}
	wg     sync.WaitGroup
}

// DeviceStats represents device counters for monitoring
type DeviceStats struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	Queued            int    `json:"queued_blocks"`
	BlocksTransmitted uint64 `json:"blocks_transmitted"`
	PayloadBytes      uint64 `json:"payload_bytes"`
	Starts            uint64 `json:"starts"`
	Drains            uint64 `json:"drains"`
	Underruns         uint64 `json:"underruns"`
	Recoveries        uint64 `json:"recoveries"`
	SinkErrors        uint64 `json:"sink_errors"`
}

// NewDevice creates an unconfigured device writing to sink
func NewDevice(name string, sink Sink, logger *slog.Logger) *Device {
	return &Device{
		name:   name,
		sink:   sink,
		logger: logger.With(slog.String("device", name)),
		closeC: make(chan struct{}),
	}
}

// Configure validates cfg, opens the sink and starts the transmit clock
func (d *Device) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateNotReady {
		return fmt.Errorf("configure in state %s: %w", d.state, ErrInvalidState)
	}

	if err := d.sink.Open(cfg.PCMFormat()); err != nil {
		return fmt.Errorf("device %s not ready: %v: %w", d.name, err, ErrConfig)
	}

	d.cfg = cfg
	d.depth = cfg.Pool.Capacity()
	d.queue = make([]txBlock, 0, d.depth)
	d.state = StateReady

	d.wg.Add(1)
	go d.transmitLoop(cfg.BlockPeriod())

	d.logger.Info("Output device configured",
		slog.Int("word_size", cfg.WordSize),
		slog.Int("channels", cfg.Channels),
		slog.String("format", cfg.Format.String()),
		slog.Int("frame_clock_hz", cfg.FrameClockHz),
		slog.Int("block_size", cfg.BlockSize),
		slog.Duration("block_period", cfg.BlockPeriod()),
	)
	return nil
}

// Write queues one block for transmission
func (d *Device) Write(b audio.Block, length int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateNotReady {
		return ErrNotConfigured
	}
	if len(b.Bytes()) != d.cfg.BlockSize {
		return fmt.Errorf("block of %d bytes, want %d: %w", len(b.Bytes()), d.cfg.BlockSize, ErrInvalidArgument)
	}
	if length < 0 || length > d.cfg.BlockSize {
		return fmt.Errorf("payload length %d out of range: %w", length, ErrInvalidArgument)
	}

	switch d.state {
	case StateError:
		return fmt.Errorf("write after underrun: %w", ErrIOFault)
	case StateStopping:
		return fmt.Errorf("write while draining: %w", ErrIOFault)
	}

	if len(d.queue) >= d.depth {
		return fmt.Errorf("transmit queue full (%d blocks): %w", len(d.queue), ErrIOFault)
	}
	d.queue = append(d.queue, txBlock{block: b, length: length})
	return nil
}

// Start begins clocking. It is a no-op while already running.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateNotReady:
		return ErrNotConfigured
	case StateRunning:
		return nil
	case StateError:
		return fmt.Errorf("start after underrun: %w", ErrIOFault)
	case StateStopping:
		return fmt.Errorf("start while draining: %w", ErrInvalidState)
	}

	if len(d.queue) == 0 {
		return fmt.Errorf("start with empty transmit queue: %w", ErrInvalidState)
	}
	d.state = StateRunning
	d.stats.Starts++
	return nil
}

// Drain waits for every queued block to be transmitted and stops the clock
func (d *Device) Drain() error {
	d.mu.Lock()
	switch d.state {
	case StateNotReady:
		d.mu.Unlock()
		return ErrNotConfigured
	case StateError:
		d.mu.Unlock()
		return fmt.Errorf("drain after underrun: %w", ErrIOFault)
	case StateRunning:
	default:
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("drain in state %s: %w", state, ErrInvalidState)
	}

	d.stats.Drains++
	if len(d.queue) == 0 {
		d.state = StateReady
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	done := make(chan struct{})
	d.drained = done
	wait := d.cfg.BlockPeriod()*time.Duration(len(d.queue)+2) + drainMargin
	d.mu.Unlock()

	select {
	case <-done:
	case <-time.After(wait):
		return fmt.Errorf("drain did not complete within %s: %w", wait, ErrIOFault)
	case <-d.closeC:
		return fmt.Errorf("device closed during drain: %w", ErrFatal)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateError {
		return fmt.Errorf("sink failed during drain: %w", ErrIOFault)
	}
	return nil
}

// Recover discards queued blocks and re-arms the device
func (d *Device) Recover() error {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateNotReady {
		return fmt.Errorf("recover: %v: %w", ErrNotConfigured, ErrFatal)
	}

	if r, ok := d.sink.(Rearmer); ok {
		if err := r.Rearm(); err != nil {
			return fmt.Errorf("rearm %s: %v: %w", d.name, err, ErrFatal)
		}
	}

	dropped := len(d.queue)
	d.releaseQueued()
	d.finishDrain()
	d.state = StateReady
	d.stats.Recoveries++

	d.logger.Debug("Output device re-armed", slog.Int("dropped_blocks", dropped))
	return nil
}

// State returns the current device state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GetStats returns current device statistics
func (d *Device) GetStats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	stats.Name = d.name
	stats.State = d.state.String()
	stats.Queued = len(d.queue)
	return stats
}

// Close stops the transmit clock, returns queued blocks and closes the sink
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == StateNotReady {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	close(d.closeC)
	d.wg.Wait()

	d.mu.Lock()
	d.releaseQueued()
	d.state = StateNotReady
	d.mu.Unlock()

	return d.sink.Close()
}

func (d *Device) transmitLoop(period time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.closeC:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick shifts one block out to the sink
func (d *Device) tick() {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()

	d.mu.Lock()
	if d.state != StateRunning && d.state != StateStopping {
		d.mu.Unlock()
		return
	}

	if len(d.queue) == 0 {
		if d.state == StateStopping {
			d.state = StateReady
			d.finishDrain()
		} else {
			d.state = StateError
			d.stats.Underruns++
		}
		d.mu.Unlock()
		return
	}

	tx := d.queue[0]
	d.queue = d.queue[1:]
	pool := d.cfg.Pool
	d.mu.Unlock()

	err := d.sink.WriteBlock(tx.block.Bytes(), tx.length)
	if relErr := pool.Release(tx.block); relErr != nil {
		d.logger.Error("Failed to release transmitted block", slog.String("error", relErr.Error()))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.stats.SinkErrors++
		d.state = StateError
		d.finishDrain()
		d.logger.Warn("Sink write failed", slog.String("error", err.Error()))
		return
	}
	d.stats.BlocksTransmitted++
	d.stats.PayloadBytes += uint64(tx.length)
}

// releaseQueued returns every queued block to the pool. Caller holds mu.
func (d *Device) releaseQueued() {
	for _, tx := range d.queue {
		if err := d.cfg.Pool.Release(tx.block); err != nil {
			d.logger.Error("Failed to release queued block", slog.String("error", err.Error()))
		}
	}
	d.queue = d.queue[:0]
}

// finishDrain wakes a pending Drain. Caller holds mu.
func (d *Device) finishDrain() {
	if d.drained != nil {
		close(d.drained)
		d.drained = nil
	}
}
