package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/tlv-audio-sink/internal/config"
	"github.com/skypro1111/tlv-audio-sink/internal/ingress"
	"github.com/skypro1111/tlv-audio-sink/internal/metrics"
	"github.com/skypro1111/tlv-audio-sink/internal/protocol"
)

// Enqueuer is the producer side of the ingress queue
type Enqueuer interface {
	Put(ctx context.Context, msg ingress.Message) error
}

// PacketRecorder receives packet-level events
type PacketRecorder interface {
	RecordPacketReceived()
	RecordPacketProcessed()
	RecordParseError()
	RecordPacketDropped(reason string)
	RecordSequenceLost(n uint32)
}

type noopPacketRecorder struct{}

func (noopPacketRecorder) RecordPacketReceived() {}
func (noopPacketRecorder) RecordPacketProcessed() {}
func (noopPacketRecorder) RecordParseError() {}
func (noopPacketRecorder) RecordPacketDropped(string) {}
func (noopPacketRecorder) RecordSequenceLost(uint32) {}

// UDPServer receives TLV packets, follows a single audio stream and
// enqueues its payloads in arrival order
type UDPServer struct {
	conn     *net.UDPConn
	config   *config.ServerConfig
	logger   *slog.Logger
	queue    Enqueuer
	tracker  *ingress.SequenceTracker
	recorder PacketRecorder

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	recvWG sync.WaitGroup
	procWG sync.WaitGroup

	// Packet processing
	packetChan chan *incomingPacket

	mu     sync.RWMutex
	stats  ServerStatistics
	locked bool
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64                `json:"packets_received"`
	PacketsProcessed uint64                `json:"packets_processed"`
	ParseErrors      uint64                `json:"parse_errors"`
	SignalingPackets uint64                `json:"signaling_packets"`
	ForeignDropped   uint64                `json:"foreign_stream_dropped"`
	LateDropped      uint64                `json:"late_dropped"`
	DirectionDropped uint64                `json:"direction_dropped"`
	QueueDropped     uint64                `json:"queue_dropped"`
	BacklogDropped   uint64                `json:"backlog_dropped"`
	StreamID         uint32                `json:"stream_id"`
	Stream           *StreamInfo           `json:"stream,omitempty"`
	Sequence         ingress.SequenceStats `json:"sequence"`
}

// StreamInfo is the metadata announced by the last signaling packet
type StreamInfo struct {
	ChannelID   string    `json:"channel_id"`
	Extension   string    `json:"extension"`
	CallerID    string    `json:"caller_id"`
	CalledID    string    `json:"called_id"`
	Direction   string    `json:"direction"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// UDPOption configures a UDPServer
type UDPOption func(*UDPServer)

// WithPacketRecorder sends packet events to r
func WithPacketRecorder(r PacketRecorder) UDPOption {
	return func(s *UDPServer) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewUDPServer creates a new UDP server instance. maxGap bounds the
// sequence gap treated as loss rather than a restart.
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, queue Enqueuer, maxGap int, opts ...UDPOption) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &UDPServer{
		config:     cfg,
		logger:     logger,
		queue:      queue,
		tracker:    ingress.NewSequenceTracker(maxGap),
		recorder:   noopPacketRecorder{},
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, 1000), // Buffer for 1000 packets
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.String("direction", s.config.Direction),
	)

	// a single processor keeps payloads in arrival order
	s.procWG.Add(1)
	go s.packetProcessor()

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Close UDP connection to unblock the receive loop
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// the receive loop is the only sender on packetChan
	s.recvWG.Wait()
	close(s.packetChan)
	s.procWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("sequence_lost", stats.Sequence.LostPackets),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.recorder.RecordPacketReceived()
		s.update(func(st *ServerStatistics) { st.PacketsReceived++ })

		// Create packet data copy (buffer will be reused)
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
		default:
			s.update(func(st *ServerStatistics) { st.BacklogDropped++ })
			s.logger.Warn("Packet processing backlog full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor processes packets from the packet channel
func (s *UDPServer) packetProcessor() {
	defer s.procWG.Done()

	for packet := range s.packetChan {
		s.handlePacket(packet)
	}
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket) {
	parsedPacket, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.recorder.RecordParseError()
		s.update(func(st *ServerStatistics) { st.ParseErrors++ })

		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.recorder.RecordPacketProcessed()
	s.update(func(st *ServerStatistics) { st.PacketsProcessed++ })

	switch parsedPacket.Header.PacketType {
	case protocol.PacketTypeSignaling:
		s.processSignalingPacket(parsedPacket.Header, parsedPacket.Signaling, packet.timestamp)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(parsedPacket.Header, parsedPacket.Audio, packet.timestamp)
	}
}

// processSignalingPacket locks the server onto the announced stream and
// restarts sequence tracking. Announcements for a filtered direction are
// dropped.
func (s *UDPServer) processSignalingPacket(header *protocol.Header, payload *protocol.SignalingPayload, receivedAt time.Time) {
	if !s.directionAccepted(header.Direction) {
		s.drop(metrics.DropDirection, func(st *ServerStatistics) { st.DirectionDropped++ })
		s.logger.Debug("Ignoring announcement for filtered direction",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("direction", protocol.DirectionString(header.Direction)),
		)
		return
	}

	info := &StreamInfo{
		ChannelID:   payload.GetChannelID(),
		Extension:   payload.GetExtension(),
		CallerID:    payload.GetCallerID(),
		CalledID:    payload.GetCalledID(),
		Direction:   protocol.DirectionString(header.Direction),
		AnnouncedAt: receivedAt,
	}

	s.mu.Lock()
	previous, wasLocked := s.stats.StreamID, s.locked
	s.locked = true
	s.stats.StreamID = header.StreamID
	s.stats.Stream = info
	s.stats.SignalingPackets++
	s.tracker.Reset()
	s.mu.Unlock()

	attrs := []any{
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("channel_id", info.ChannelID),
		slog.String("caller_id", info.CallerID),
		slog.String("called_id", info.CalledID),
		slog.String("direction", info.Direction),
	}
	if wasLocked && previous != header.StreamID {
		attrs = append(attrs, slog.Uint64("previous_stream_id", uint64(previous)))
	}
	s.logger.Info("Stream announced", attrs...)
}

// processAudioPacket filters an audio packet and enqueues its payload
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload, receivedAt time.Time) {
	if !s.directionAccepted(header.Direction) {
		s.drop(metrics.DropDirection, func(st *ServerStatistics) { st.DirectionDropped++ })
		return
	}

	s.mu.Lock()
	if !s.locked {
		s.locked = true
		s.stats.StreamID = header.StreamID
		s.logger.Info("Locked onto audio stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("direction", protocol.DirectionString(header.Direction)),
		)
	}
	if header.StreamID != s.stats.StreamID {
		s.mu.Unlock()
		s.drop(metrics.DropForeignStream, func(st *ServerStatistics) { st.ForeignDropped++ })
		s.logger.Debug("Dropping packet from foreign stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}
	verdict, lost := s.tracker.Observe(payload.Sequence)
	s.mu.Unlock()

	switch verdict {
	case ingress.Late:
		s.drop(metrics.DropLate, func(st *ServerStatistics) { st.LateDropped++ })
		s.logger.Debug("Dropping late packet",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	case ingress.Gap:
		s.recorder.RecordSequenceLost(lost)
		s.logger.Debug("Sequence gap detected",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Uint64("lost", uint64(lost)),
		)
	case ingress.Resync:
		s.logger.Info("Sequence resynchronised",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
	}

	if len(payload.AudioData) == 0 {
		return
	}

	msg := ingress.Message{
		StreamID:   header.StreamID,
		Sequence:   payload.Sequence,
		Data:       payload.AudioData,
		ReceivedAt: receivedAt,
	}
	if err := s.queue.Put(s.ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.drop(metrics.DropQueueFull, func(st *ServerStatistics) { st.QueueDropped++ })
		s.logger.Warn("Ingress queue full, dropping audio",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("audio_size", len(payload.AudioData)),
		)
	}
}

func (s *UDPServer) directionAccepted(direction uint8) bool {
	switch s.config.Direction {
	case "rx":
		return direction == protocol.DirectionRX
	case "tx":
		return direction == protocol.DirectionTX
	default:
		return true
	}
}

func (s *UDPServer) drop(reason string, count func(st *ServerStatistics)) {
	s.recorder.RecordPacketDropped(reason)
	s.update(count)
}

func (s *UDPServer) update(fn func(st *ServerStatistics)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	if stats.Stream != nil {
		info := *stats.Stream
		stats.Stream = &info
	}
	stats.Sequence = s.tracker.GetStats()
	return stats
}
