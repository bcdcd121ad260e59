package output

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
)

// Error taxonomy shared by every Channel implementation. Callers match with
// errors.Is; implementations wrap with fmt.Errorf("...: %w", ErrX).
var (
	// ErrConfig means the device is not ready or rejected the configuration
	ErrConfig = errors.New("output configuration error")
	// ErrIOFault is a transient fault (block submitted too late, or a drain
	// raced with a write). It is cleared by Recover.
	ErrIOFault = errors.New("output I/O fault")
	// ErrFatal means the device did not respond and needs an external reset
	ErrFatal = errors.New("output fatal error, reset required")
	// ErrInvalidState is returned for a trigger that is not valid in the
	// current device state
	ErrInvalidState = errors.New("output invalid state")
	// ErrNotConfigured is returned for any operation before Configure
	ErrNotConfigured = errors.New("output not configured")
	// ErrInvalidArgument is returned for a block or length the device cannot take
	ErrInvalidArgument = errors.New("output invalid argument")
)

// Channel is the narrow capability interface the streaming engine drives.
// Implementations are not required to be safe for concurrent callers; the
// engine is the only caller.
type Channel interface {
	// Configure performs one-time setup. Must be called before any Write.
	Configure(cfg Config) error
	// Write submits exactly one block. length is the number of payload
	// bytes in the block; the rest is zero padding. On success the channel
	// owns the block and releases it to the pool once transmitted.
	Write(b audio.Block, length int) error
	// Start begins clocking queued blocks out
	Start() error
	// Drain transmits every queued block and stops clocking
	Drain() error
	// Recover re-arms the device after a fault, discarding queued blocks
	Recover() error
}

// DataFormat is the serial data format on the wire
type DataFormat int

const (
	FormatI2S DataFormat = iota
	FormatLeftJustified
	FormatRightJustified
)

// String returns the config name of the data format
func (f DataFormat) String() string {
	switch f {
	case FormatI2S:
		return "i2s"
	case FormatLeftJustified:
		return "left_justified"
	case FormatRightJustified:
		return "right_justified"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ParseDataFormat maps a config name to a DataFormat
func ParseDataFormat(s string) (DataFormat, error) {
	switch s {
	case "i2s", "":
		return FormatI2S, nil
	case "left_justified":
		return FormatLeftJustified, nil
	case "right_justified":
		return FormatRightJustified, nil
	default:
		return 0, fmt.Errorf("unknown data format %q", s)
	}
}

// Options select clock roles
type Options uint8

const (
	FrameClockMaster Options = 1 << iota
	BitClockMaster
)

// Config is fixed at Configure and immutable afterwards
type Config struct {
	WordSize     int // bits per sample
	Channels     int
	Format       DataFormat
	FrameClockHz int
	BlockSize    int // bytes
	Options      Options
	Pool         *audio.Pool
}

// Validate checks the configuration; every failure wraps ErrConfig
func (c Config) Validate() error {
	switch c.WordSize {
	case 16, 24, 32:
	default:
		return fmt.Errorf("word size %d not supported: %w", c.WordSize, ErrConfig)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d: %w", c.Channels, ErrConfig)
	}
	if c.FrameClockHz <= 0 {
		return fmt.Errorf("frame clock must be positive, got %d: %w", c.FrameClockHz, ErrConfig)
	}
	if c.BlockSize <= 0 || c.BlockSize%c.FrameSize() != 0 {
		return fmt.Errorf("block size %d must be a positive multiple of the %d-byte frame: %w",
			c.BlockSize, c.FrameSize(), ErrConfig)
	}
	if c.Pool == nil {
		return fmt.Errorf("block pool is required: %w", ErrConfig)
	}
	if c.Pool.BlockSize() != c.BlockSize {
		return fmt.Errorf("pool block size %d does not match block size %d: %w",
			c.Pool.BlockSize(), c.BlockSize, ErrConfig)
	}
	return nil
}

// FrameSize returns the number of bytes per frame
func (c Config) FrameSize() int {
	return c.Channels * c.WordSize / 8
}

// FramesPerBlock returns the number of frames carried by one block
func (c Config) FramesPerBlock() int {
	return c.BlockSize / c.FrameSize()
}

// BlockPeriod returns how long the frame clock takes to shift out one block
func (c Config) BlockPeriod() time.Duration {
	return time.Duration(c.FramesPerBlock()) * time.Second / time.Duration(c.FrameClockHz)
}

// PCMFormat returns the PCM layout of a block
func (c Config) PCMFormat() audio.Format {
	return audio.Format{
		SampleRate:    c.FrameClockHz,
		Channels:      c.Channels,
		BitsPerSample: c.WordSize,
	}
}
