package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Packet types
	PacketTypeSignaling = 0x01
	PacketTypeAudio     = 0x02

	// Direction types
	DirectionRX = 0x01
	DirectionTX = 0x02

	// Packet structure sizes
	HeaderSize             = 8   // 1 + 2 + 4 + 1 bytes
	SignalingPayloadSize   = 164 // 64 + 32 + 32 + 32 + 4 bytes
	AudioPayloadHeaderSize = 4   // sequence number

	// MaxAudioDataSize is the largest PCM chunk one packet can carry
	MaxAudioDataSize = math.MaxUint16 - HeaderSize - AudioPayloadHeaderSize

	// String field sizes in signaling payload
	ChannelIDSize = 64
	ExtensionSize = 32
	CallerIDSize  = 32
	CalledIDSize  = 32
	TimestampSize = 4
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Direction:1]
type Header struct {
	PacketType uint8  // 0x01=Signaling, 0x02=Audio
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32
	Direction  uint8 // 0x01=RX, 0x02=TX
}

// SignalingPayload announces a stream before its audio arrives
// Layout: [ChannelID:64][Extension:32][CallerID:32][CalledID:32][Timestamp:4]
type SignalingPayload struct {
	ChannelID [ChannelIDSize]byte // null-terminated
	Extension [ExtensionSize]byte
	CallerID  [CallerIDSize]byte
	CalledID  [CalledIDSize]byte
	Timestamp uint32 // unix seconds
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32
	AudioData []byte // raw PCM, little-endian samples
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header    *Header
	Signaling *SignalingPayload // only set for signaling packets
	Audio     *AudioPayload     // only set for audio packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Direction:  data[7],
	}, nil
}

// ParseSignalingPayload parses the 164-byte signaling packet payload
func ParseSignalingPayload(data []byte) (*SignalingPayload, error) {
	if len(data) < SignalingPayloadSize {
		return nil, fmt.Errorf("signaling payload too short: expected %d bytes, got %d",
			SignalingPayloadSize, len(data))
	}

	payload := &SignalingPayload{}
	off := 0
	off += copy(payload.ChannelID[:], data[off:off+ChannelIDSize])
	off += copy(payload.Extension[:], data[off:off+ExtensionSize])
	off += copy(payload.CallerID[:], data[off:off+CallerIDSize])
	off += copy(payload.CalledID[:], data[off:off+CalledIDSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[off : off+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data).
// AudioData is a private copy; the caller may reuse data afterwards.
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeSignaling:
		payload, err := ParseSignalingPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signaling payload: %w", err)
		}
		packet.Signaling = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidDirection(header.Direction) {
		return fmt.Errorf("invalid direction: 0x%02x", header.Direction)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeSignaling:
		if payloadSize != SignalingPayloadSize {
			return fmt.Errorf("signaling packet payload size mismatch: expected %d, got %d",
				SignalingPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeSignaling || ptype == PacketTypeAudio
}

// IsValidDirection checks if the direction is valid
func IsValidDirection(dir uint8) bool {
	return dir == DirectionRX || dir == DirectionTX
}

// EncodeHeader writes h into the first HeaderSize bytes of buf
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buffer too short for header: %d bytes", len(buf))
	}
	putHeader(buf, h)
	return nil
}

// putHeader writes h into buf, which must hold at least HeaderSize bytes
func putHeader(buf []byte, h Header) {
	buf[0] = h.PacketType
	binary.BigEndian.PutUint16(buf[1:3], h.PacketLen)
	binary.BigEndian.PutUint32(buf[3:7], h.StreamID)
	buf[7] = h.Direction
}

// EncodeAudioPacket builds an audio packet carrying pcm
func EncodeAudioPacket(streamID uint32, direction uint8, sequence uint32, pcm []byte) ([]byte, error) {
	if len(pcm) > MaxAudioDataSize {
		return nil, fmt.Errorf("audio data too large: %d bytes (maximum %d)", len(pcm), MaxAudioDataSize)
	}

	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	packet := make([]byte, size)
	if err := EncodeHeader(packet, Header{
		PacketType: PacketTypeAudio,
		PacketLen:  uint16(size),
		StreamID:   streamID,
		Direction:  direction,
	}); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(packet[HeaderSize:], sequence)
	copy(packet[HeaderSize+AudioPayloadHeaderSize:], pcm)

	return packet, nil
}

// EncodeSignalingPacket builds a signaling packet announcing a stream
func EncodeSignalingPacket(streamID uint32, direction uint8, payload *SignalingPayload) []byte {
	packet := make([]byte, HeaderSize+SignalingPayloadSize)
	putHeader(packet, Header{
		PacketType: PacketTypeSignaling,
		PacketLen:  uint16(len(packet)),
		StreamID:   streamID,
		Direction:  direction,
	})

	off := HeaderSize
	off += copy(packet[off:], payload.ChannelID[:])
	off += copy(packet[off:], payload.Extension[:])
	off += copy(packet[off:], payload.CallerID[:])
	off += copy(packet[off:], payload.CalledID[:])
	binary.BigEndian.PutUint32(packet[off:], payload.Timestamp)

	return packet
}

// NewSignalingPayload fills the fixed-size fields, truncating long strings
// so that every field keeps its null terminator
func NewSignalingPayload(channelID, extension, callerID, calledID string, timestamp uint32) *SignalingPayload {
	p := &SignalingPayload{Timestamp: timestamp}
	putString(p.ChannelID[:], channelID)
	putString(p.Extension[:], extension)
	putString(p.CallerID[:], callerID)
	putString(p.CalledID[:], calledID)
	return p
}

func putString(dst []byte, s string) {
	if len(s) > len(dst)-1 {
		s = s[:len(dst)-1]
	}
	copy(dst, s)
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetChannelID extracts the channel ID as a string
func (s *SignalingPayload) GetChannelID() string {
	return ExtractString(s.ChannelID[:])
}

// GetExtension extracts the extension as a string
func (s *SignalingPayload) GetExtension() string {
	return ExtractString(s.Extension[:])
}

// GetCallerID extracts the caller ID as a string
func (s *SignalingPayload) GetCallerID() string {
	return ExtractString(s.CallerID[:])
}

// GetCalledID extracts the called ID as a string
func (s *SignalingPayload) GetCalledID() string {
	return ExtractString(s.CalledID[:])
}

// DirectionString converts a direction code to a short name
func DirectionString(direction uint8) string {
	switch direction {
	case DirectionRX:
		return "RX"
	case DirectionTX:
		return "TX"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", direction)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeSignaling:
		packetType = "Signaling"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Direction:%s}",
		packetType, h.PacketLen, h.StreamID, DirectionString(h.Direction))
}

// String returns a human-readable representation of the signaling payload
func (s *SignalingPayload) String() string {
	return fmt.Sprintf("SignalingPayload{ChannelID:%q, Extension:%q, CallerID:%q, CalledID:%q, Timestamp:%d}",
		s.GetChannelID(), s.GetExtension(), s.GetCallerID(), s.GetCalledID(), s.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
