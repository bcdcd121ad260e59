// Package output implements the audio output channel over a fixed-rate,
// fixed-block-size sink. Device is a software-clocked transmitter that
// follows the I2S transmit state machine and shifts blocks into a null,
// WAV or PortAudio sink.
package output
