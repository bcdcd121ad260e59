package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wavHeaderSize is the size of a canonical PCM WAV header
const wavHeaderSize = 44

// Format describes interleaved little-endian PCM
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// FrameSize returns the number of bytes in one frame (one sample per channel)
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate returns the number of bytes per second of audio
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// Validate checks that the format can be written to a WAV header
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}
	switch f.BitsPerSample {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d", f.BitsPerSample)
	}
	return nil
}

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(f Format, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.FrameSize()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV wraps raw interleaved PCM bytes in a WAV container
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(f, uint32(len(pcm)))); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV returns the raw PCM bytes and format of a canonical PCM WAV file
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < wavHeaderSize {
		return nil, Format{}, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, Format{}, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if err := ValidateWAV(data); err != nil {
		return nil, Format{}, err
	}

	if header.AudioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	f := Format{
		SampleRate:    int(header.SampleRate),
		Channels:      int(header.NumChannels),
		BitsPerSample: int(header.BitsPerSample),
	}
	if err := f.Validate(); err != nil {
		return nil, Format{}, err
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		end = len(data)
	}
	pcm := make([]byte, end-wavHeaderSize)
	copy(pcm, data[wavHeaderSize:end])

	return pcm, f, nil
}

// ValidateWAV validates a WAV file format without decoding the audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return nil
}

// WAVWriter records a PCM stream into a WAV file. The header is written with
// a zero data size and patched on Close.
type WAVWriter struct {
	w       io.WriteSeeker
	format  Format
	written uint32
	closed  bool
}

// NewWAVWriter writes a provisional header to w and returns a writer for the
// PCM payload
func NewWAVWriter(w io.WriteSeeker, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(f, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVWriter{w: w, format: f}, nil
}

// Write appends raw PCM bytes
func (ww *WAVWriter) Write(p []byte) (int, error) {
	if ww.closed {
		return 0, fmt.Errorf("WAV writer closed")
	}
	n, err := ww.w.Write(p)
	ww.written += uint32(n)
	return n, err
}

// Written returns the number of PCM bytes recorded so far
func (ww *WAVWriter) Written() int {
	return int(ww.written)
}

// Close patches the RIFF and data sizes. It does not close the underlying writer.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}
	if err := binary.Write(ww.w, binary.LittleEndian, newWAVHeader(ww.format, ww.written)); err != nil {
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
