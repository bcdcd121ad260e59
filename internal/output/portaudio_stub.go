//go:build !portaudio

package output

import (
	"errors"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
)

var errPortAudioDisabled = errors.New("PortAudio support not enabled (build with -tags portaudio)")

// PortAudioSink is a placeholder when the binary is built without PortAudio
type PortAudioSink struct{}

// NewPortAudioSink creates a sink that always fails to open
func NewPortAudioSink() Sink {
	return &PortAudioSink{}
}

func (p *PortAudioSink) Open(audio.Format) error { return errPortAudioDisabled }

func (p *PortAudioSink) WriteBlock([]byte, int) error { return errPortAudioDisabled }

func (p *PortAudioSink) Close() error { return nil }
