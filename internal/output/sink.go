package output

import (
	"fmt"
	"os"
	"sync"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
)

// Sink receives blocks shifted out by a Device, one per block period
type Sink interface {
	Open(f audio.Format) error
	// WriteBlock receives the full zero-padded block and the number of
	// payload bytes at its head
	WriteBlock(block []byte, length int) error
	Close() error
}

// Rearmer is implemented by sinks that need a hardware re-arm on Recover
type Rearmer interface {
	Rearm() error
}

// NullSink discards audio and counts what it was given
type NullSink struct {
	mu      sync.Mutex
	blocks  uint64
	payload uint64
}

// NewNullSink creates a sink that discards everything
func NewNullSink() *NullSink {
	return &NullSink{}
}

func (s *NullSink) Open(audio.Format) error { return nil }

func (s *NullSink) WriteBlock(block []byte, length int) error {
	s.mu.Lock()
	s.blocks++
	s.payload += uint64(length)
	s.mu.Unlock()
	return nil
}

func (s *NullSink) Close() error { return nil }

// Blocks returns the number of blocks discarded
func (s *NullSink) Blocks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks
}

// WAVSink records the payload of every transmitted block to a WAV file.
// Padding is not recorded, so the file holds the exact byte stream that
// arrived from the network.
type WAVSink struct {
	path   string
	file   *os.File
	writer *audio.WAVWriter
}

// NewWAVSink creates a sink recording to path
func NewWAVSink(path string) *WAVSink {
	return &WAVSink{path: path}
}

func (s *WAVSink) Open(f audio.Format) error {
	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create WAV file %s: %w", s.path, err)
	}

	w, err := audio.NewWAVWriter(file, f)
	if err != nil {
		file.Close()
		return err
	}

	s.file = file
	s.writer = w
	return nil
}

func (s *WAVSink) WriteBlock(block []byte, length int) error {
	_, err := s.writer.Write(block[:length])
	return err
}

func (s *WAVSink) Close() error {
	if s.file == nil {
		return nil
	}
	if err := s.writer.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// Backend names accepted by NewSink
const (
	BackendNull      = "null"
	BackendWAV       = "wav"
	BackendPortAudio = "portaudio"
)

// NewSink builds the sink for a configured backend
func NewSink(backend, wavPath string) (Sink, error) {
	switch backend {
	case BackendNull:
		return NewNullSink(), nil
	case BackendWAV:
		return NewWAVSink(wavPath), nil
	case BackendPortAudio:
		return NewPortAudioSink(), nil
	default:
		return nil, fmt.Errorf("unknown output backend %q: %w", backend, ErrConfig)
	}
}
