// Package audio provides the fixed-size block pool shared by the streaming
// engine and the output device, along with PCM helpers for WAV encoding
// and test tones.
package audio
