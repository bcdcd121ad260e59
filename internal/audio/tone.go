package audio

import (
	"encoding/binary"
	"math"
)

// ToneAmplitude keeps generated tones well below clipping
const ToneAmplitude = 16000

// GenerateTone produces an interleaved 16-bit little-endian sine wave of the
// given duration. Every channel carries the same signal.
func GenerateTone(f Format, frequency float64, durationSec float64) []byte {
	frames := int(durationSec * float64(f.SampleRate))
	out := make([]byte, frames*f.Channels*2)
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(f.SampleRate)
		s := int16(ToneAmplitude * math.Sin(2*math.Pi*frequency*t))
		for c := 0; c < f.Channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*f.Channels+c)*2:], uint16(s))
		}
	}
	return out
}
