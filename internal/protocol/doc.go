// Package protocol implements the TLV wire format carried over UDP: an
// 8-byte header followed by either a stream-announce (signaling) payload or
// a sequenced PCM audio payload. It parses, validates and encodes packets.
package protocol
