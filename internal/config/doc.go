// Package config loads and validates the YAML configuration of the audio
// sink. Keys missing from the file keep their defaults.
package config
