package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/output"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Output  OutputConfig  `yaml:"output"`
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	Direction   string `yaml:"direction"` // rx, tx or any
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// OutputConfig describes the output device and its transmit blocks
type OutputConfig struct {
	Backend          string `yaml:"backend"` // null, wav or portaudio
	WAVPath          string `yaml:"wav_path"`
	WordSize         int    `yaml:"word_size"` // bits
	Channels         int    `yaml:"channels"`
	Format           string `yaml:"format"`     // i2s, left_justified, right_justified
	FrameRate        int    `yaml:"frame_rate"` // Hz
	BlockSize        int    `yaml:"block_size"` // bytes
	NumBlocks        int    `yaml:"num_blocks"`
	FrameClockMaster bool   `yaml:"frame_clock_master"`
	BitClockMaster   bool   `yaml:"bit_clock_master"`
}

// StreamConfig contains streaming engine parameters
type StreamConfig struct {
	PollTimeoutMs  int    `yaml:"poll_timeout_ms"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	OverflowPolicy string `yaml:"overflow_policy"`
	MaxSequenceGap int    `yaml:"max_sequence_gap"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any key the file leaves out:
// 16-bit stereo at 44.1kHz, ten 1KiB blocks and a 100ms idle timeout.
func Default() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Direction:   "any",
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Output: OutputConfig{
			Backend:          output.BackendNull,
			WAVPath:          "capture.wav",
			WordSize:         16,
			Channels:         2,
			Format:           "i2s",
			FrameRate:        44100,
			BlockSize:        1024,
			NumBlocks:        10,
			FrameClockMaster: true,
			BitClockMaster:   true,
		},
		Stream: StreamConfig{
			PollTimeoutMs:  100,
			QueueCapacity:  64,
			OverflowPolicy: string(ingress.DropNewest),
			MaxSequenceGap: ingress.DefaultMaxGap,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	switch s.Direction {
	case "rx", "tx", "any":
	default:
		return fmt.Errorf("direction must be one of [rx, tx, any], got '%s'", s.Direction)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty when HTTP is enabled")
	}

	return nil
}

// Validate validates output configuration against what the device accepts
func (o *OutputConfig) Validate() error {
	switch o.Backend {
	case output.BackendNull, output.BackendPortAudio:
	case output.BackendWAV:
		if o.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty for the wav backend")
		}
	default:
		return fmt.Errorf("backend must be one of [null, wav, portaudio], got '%s'", o.Backend)
	}

	switch o.WordSize {
	case 16, 24, 32:
	default:
		return fmt.Errorf("word_size must be 16, 24 or 32, got %d", o.WordSize)
	}

	if o.Channels < 1 || o.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", o.Channels)
	}

	if _, err := output.ParseDataFormat(o.Format); err != nil {
		return err
	}

	if o.FrameRate < 8000 || o.FrameRate > 192000 {
		return fmt.Errorf("frame_rate must be between 8000 and 192000 Hz, got %d", o.FrameRate)
	}

	if o.BlockSize <= 0 || o.BlockSize%o.FrameSize() != 0 {
		return fmt.Errorf("block_size must be a positive multiple of the %d-byte frame, got %d",
			o.FrameSize(), o.BlockSize)
	}

	if o.NumBlocks < 2 {
		return fmt.Errorf("num_blocks must be at least 2, got %d", o.NumBlocks)
	}

	return nil
}

// Validate validates streaming engine configuration
func (s *StreamConfig) Validate() error {
	if s.PollTimeoutMs < 1 {
		return fmt.Errorf("poll_timeout_ms must be at least 1, got %d", s.PollTimeoutMs)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	if _, err := ingress.ParseOverflowPolicy(s.OverflowPolicy); err != nil {
		return err
	}

	if s.MaxSequenceGap < 1 {
		return fmt.Errorf("max_sequence_gap must be at least 1, got %d", s.MaxSequenceGap)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// FrameSize returns the number of bytes per frame
func (o *OutputConfig) FrameSize() int {
	return o.Channels * o.WordSize / 8
}

// GetBlockDuration returns how long one block takes to play
func (o *OutputConfig) GetBlockDuration() time.Duration {
	return time.Duration(o.BlockSize/o.FrameSize()) * time.Second / time.Duration(o.FrameRate)
}

// GetOptions returns the clock-role options for the device
func (o *OutputConfig) GetOptions() output.Options {
	var opts output.Options
	if o.FrameClockMaster {
		opts |= output.FrameClockMaster
	}
	if o.BitClockMaster {
		opts |= output.BitClockMaster
	}
	return opts
}

// GetPollTimeout returns the idle poll timeout as a time.Duration
func (s *StreamConfig) GetPollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMs) * time.Millisecond
}

// DeviceConfig builds the device configuration around pool
func (o *OutputConfig) DeviceConfig(pool *audio.Pool) (output.Config, error) {
	format, err := output.ParseDataFormat(o.Format)
	if err != nil {
		return output.Config{}, err
	}

	return output.Config{
		WordSize:     o.WordSize,
		Channels:     o.Channels,
		Format:       format,
		FrameClockHz: o.FrameRate,
		BlockSize:    o.BlockSize,
		Options:      o.GetOptions(),
		Pool:         pool,
	}, nil
}
