//go:build portaudio

package output

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
)

// PortAudioSink plays blocks on the default output device through a
// blocking PortAudio stream
type PortAudioSink struct {
	stream *portaudio.Stream
	frames []int16
}

// NewPortAudioSink creates a sink for the default output device
func NewPortAudioSink() Sink {
	return &PortAudioSink{}
}

func (p *PortAudioSink) Open(f audio.Format) error {
	if f.BitsPerSample != 16 {
		return fmt.Errorf("portaudio sink supports 16-bit samples only, got %d", f.BitsPerSample)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("no default host api: %w", err)
	}

	params := portaudio.HighLatencyParameters(nil, host.DefaultOutputDevice)
	params.Output.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)

	// sized on the first block; PortAudio binds the slice at open
	p.frames = make([]int16, 0)
	stream, err := portaudio.OpenStream(params, &p.frames)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start stream: %w", err)
	}
	p.stream = stream
	return nil
}

func (p *PortAudioSink) WriteBlock(block []byte, length int) error {
	if cap(p.frames) < len(block)/2 {
		p.frames = make([]int16, len(block)/2)
	}
	p.frames = p.frames[:len(block)/2]
	for i := range p.frames {
		p.frames[i] = int16(binary.LittleEndian.Uint16(block[i*2:]))
	}

	err := p.stream.Write()
	if errors.Is(err, portaudio.OutputUnderflowed) {
		return nil
	}
	return err
}

// Rearm restarts the stream, discarding anything PortAudio still buffers.
// Device never calls it while WriteBlock is in progress.
func (p *PortAudioSink) Rearm() error {
	if err := p.stream.Abort(); err != nil {
		return err
	}
	return p.stream.Start()
}

func (p *PortAudioSink) Close() error {
	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			return err
		}
		if err := p.stream.Close(); err != nil {
			return err
		}
	}
	return portaudio.Terminate()
}
