package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/skypro1111/tlv-audio-sink/internal/audio"
	"github.com/skypro1111/tlv-audio-sink/internal/protocol"
)

// Config describes how audio is packetised and paced
type Config struct {
	Address   string
	StreamID  uint32
	Direction uint8
	ChannelID string
	Extension string
	CallerID  string
	CalledID  string

	PacketDuration time.Duration // audio carried by one packet
	Prebuffer      time.Duration // audio sent ahead of real time at burst start
	Bursts         int
	BurstGap       time.Duration // silence between bursts
}

// Stats summarises what was sent
type Stats struct {
	Packets   uint64
	Bytes     uint64
	Bursts    int
	Signaling uint64
}

// Sender streams PCM to a sink as TLV packets at real-time pace
type Sender struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a sender
func New(cfg Config, logger *slog.Logger) *Sender {
	if cfg.Bursts < 1 {
		cfg.Bursts = 1
	}
	if cfg.PacketDuration <= 0 {
		cfg.PacketDuration = 20 * time.Millisecond
	}
	return &Sender{cfg: cfg, logger: logger, sleep: sleepContext}
}

// PacketSize returns the PCM bytes per packet for format f, whole frames only
func (s *Sender) PacketSize(f audio.Format) int {
	frames := int(int64(f.SampleRate) * int64(s.cfg.PacketDuration) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	size := frames * f.FrameSize()
	if limit := protocol.MaxAudioDataSize - protocol.MaxAudioDataSize%f.FrameSize(); size > limit {
		size = limit
	}
	return size
}

// Run announces the stream and sends pcm once per burst
func (s *Sender) Run(ctx context.Context, pcm []byte, f audio.Format) (Stats, error) {
	var stats Stats
	if err := f.Validate(); err != nil {
		return stats, err
	}
	if len(pcm) == 0 {
		return stats, fmt.Errorf("no audio to send")
	}

	conn, err := net.Dial("udp", s.cfg.Address)
	if err != nil {
		return stats, fmt.Errorf("failed to dial %s: %w", s.cfg.Address, err)
	}
	defer conn.Close()

	announce := protocol.NewSignalingPayload(s.cfg.ChannelID, s.cfg.Extension, s.cfg.CallerID, s.cfg.CalledID, uint32(time.Now().Unix()))
	if _, err := conn.Write(protocol.EncodeSignalingPacket(s.cfg.StreamID, s.cfg.Direction, announce)); err != nil {
		return stats, fmt.Errorf("failed to send signaling packet: %w", err)
	}
	stats.Signaling++

	packetSize := s.PacketSize(f)
	s.logger.Info("Streaming audio",
		slog.String("address", s.cfg.Address),
		slog.Uint64("stream_id", uint64(s.cfg.StreamID)),
		slog.Int("packet_size", packetSize),
		slog.Duration("packet_duration", s.cfg.PacketDuration),
		slog.Duration("prebuffer", s.cfg.Prebuffer),
		slog.Int("bursts", s.cfg.Bursts),
	)

	var seq uint32
	for burst := 0; burst < s.cfg.Bursts; burst++ {
		if burst > 0 {
			if err := s.sleep(ctx, s.cfg.BurstGap); err != nil {
				return stats, err
			}
		}

		start := time.Now()
		for off, i := 0, 0; off < len(pcm); off, i = off+packetSize, i+1 {
			// packet i is due i packet durations in, less the prebuffer
			due := time.Duration(i)*s.cfg.PacketDuration - s.cfg.Prebuffer
			if wait := due - time.Since(start); wait > 0 {
				if err := s.sleep(ctx, wait); err != nil {
					return stats, err
				}
			}

			end := min(off+packetSize, len(pcm))
			packet, err := protocol.EncodeAudioPacket(s.cfg.StreamID, s.cfg.Direction, seq, pcm[off:end])
			if err != nil {
				return stats, err
			}
			if _, err := conn.Write(packet); err != nil {
				return stats, fmt.Errorf("failed to send audio packet %d: %w", seq, err)
			}

			seq++
			stats.Packets++
			stats.Bytes += uint64(end - off)
		}

		stats.Bursts++
		s.logger.Info("Burst sent",
			slog.Int("burst", burst+1),
			slog.Duration("elapsed", time.Since(start)),
			slog.Uint64("next_sequence", uint64(seq)),
		)
	}

	return stats, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
