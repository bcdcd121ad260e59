package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/protocol"
	"github.com/skypro1111/tlv-audio-sink/internal/sender"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		cfg       sender.Config
		direction string
		wavFile   string
		frequency float64
		duration  time.Duration
		rate      int
		channels  int
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:           "tlv-sender",
		Short:         "Send a test tone or WAV file to a tlv-audio-sink as TLV packets",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			switch direction {
			case "rx":
				cfg.Direction = protocol.DirectionRX
			case "tx":
				cfg.Direction = protocol.DirectionTX
			default:
				return fmt.Errorf("direction must be rx or tx, got %q", direction)
			}

			format := audio.Format{SampleRate: rate, Channels: channels, BitsPerSample: 16}
			var pcm []byte
			if wavFile != "" {
				data, err := os.ReadFile(wavFile)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", wavFile, err)
				}
				if pcm, format, err = audio.DecodeWAV(data); err != nil {
					return fmt.Errorf("failed to decode %s: %w", wavFile, err)
				}
				logger.Info("Loaded WAV file",
					slog.String("path", wavFile),
					slog.Int("sample_rate", format.SampleRate),
					slog.Int("channels", format.Channels),
					slog.Int("bits_per_sample", format.BitsPerSample),
				)
			} else {
				pcm = audio.GenerateTone(format, frequency, duration.Seconds())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stats, err := sender.New(cfg, logger).Run(ctx, pcm, format)
			logger.Info("Done",
				slog.Uint64("packets", stats.Packets),
				slog.Uint64("bytes", stats.Bytes),
				slog.Int("bursts", stats.Bursts),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.Address, "addr", "a", "127.0.0.1:4444", "Sink UDP address")
	f.Uint32Var(&cfg.StreamID, "stream-id", 1, "TLV stream id")
	f.StringVar(&direction, "direction", "rx", "Audio direction (rx or tx)")
	f.StringVar(&cfg.ChannelID, "channel-id", "tlv-sender", "Channel id announced in the signaling packet")
	f.StringVar(&cfg.Extension, "extension", "", "Extension announced in the signaling packet")
	f.StringVar(&cfg.CallerID, "caller-id", "", "Caller id announced in the signaling packet")
	f.StringVar(&cfg.CalledID, "called-id", "", "Called id announced in the signaling packet")
	f.DurationVar(&cfg.PacketDuration, "packet", 20*time.Millisecond, "Audio carried by each packet")
	f.DurationVar(&cfg.Prebuffer, "prebuffer", 100*time.Millisecond, "Audio sent ahead of real time at the start of each burst")
	f.IntVar(&cfg.Bursts, "bursts", 1, "Number of times the audio is sent")
	f.DurationVar(&cfg.BurstGap, "gap", time.Second, "Silence between bursts")
	f.StringVarP(&wavFile, "file", "f", "", "16/24/32-bit PCM WAV file to send instead of a tone")
	f.Float64Var(&frequency, "tone", 440, "Tone frequency in Hz")
	f.DurationVar(&duration, "duration", 2*time.Second, "Tone duration")
	f.IntVar(&rate, "rate", 44100, "Tone sample rate in Hz")
	f.IntVar(&channels, "channels", 2, "Tone channel count")
	f.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	return cmd
}
