// Package wire defines the datagram format shared by the voice client and
// the media relay.
//
// Every datagram starts with a fixed 25-byte header:
//
//	offset 0  session id, 16 bytes, right-padded with 0x00
//	offset 16 magic token, 8 bytes
//	offset 24 packet type, 1 byte
//	offset 25 payload
//
// The relay only ever looks at the first 24 bytes; the packet type is a
// client-side concern.
package wire

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	SessionIDLen = 16
	TokenLen     = 8

	// HeaderLen is the session id plus the token. The relay validates
	// datagrams against this length and never inspects the type byte.
	HeaderLen = SessionIDLen + TokenLen

	// FullHeaderLen includes the packet type byte.
	FullHeaderLen = HeaderLen + 1

	// MaxPacketSize keeps datagrams under common MTUs so IPv4 never
	// fragments them.
	MaxPacketSize = 1500

	// MaxPayloadLen is the largest payload that fits in one datagram.
	MaxPayloadLen = MaxPacketSize - FullHeaderLen

	// MaxOpusPayload is the upper bound on a single Opus packet.
	MaxOpusPayload = 1276
)

// Packet types.
const (
	TypeAudioOpus   byte = 0x01
	TypeControlJSON byte = 0x02
)

// MagicToken is a fixed sanity filter, not an authenticator. Datagrams
// without it are discarded unread.
var MagicToken = [TokenLen]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE}

var (
	ErrSessionIDEmpty   = errors.New("session id is empty")
	ErrSessionIDTooLong = fmt.Errorf("session id exceeds %d bytes", SessionIDLen)
)

// PadSessionID converts the textual session id into its on-wire form,
// right-padded with zero bytes.
func PadSessionID(id string) ([SessionIDLen]byte, error) {
	var out [SessionIDLen]byte
	if id == "" {
		return out, ErrSessionIDEmpty
	}
	if len(id) > SessionIDLen {
		return out, ErrSessionIDTooLong
	}
	copy(out[:], id)
	return out, nil
}

// EncodeHeader builds the full 25-byte header for the given session and
// packet type. Senders compute this once and reuse it for every datagram.
func EncodeHeader(sessionID [SessionIDLen]byte, typ byte) [FullHeaderLen]byte {
	var h [FullHeaderLen]byte
	copy(h[:SessionIDLen], sessionID[:])
	copy(h[SessionIDLen:HeaderLen], MagicToken[:])
	h[HeaderLen] = typ
	return h
}

// AppendPacket appends header+payload to dst and returns the extended
// slice. dst may be a reused send buffer; pass dst[:0] to overwrite.
func AppendPacket(dst []byte, header *[FullHeaderLen]byte, payload []byte) []byte {
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// ValidSize reports whether a datagram is long enough to carry the relay
// header. The relay forwards anything strictly longer than HeaderLen; the
// client additionally requires a payload after the type byte.
func ValidSize(n int) bool {
	return n > HeaderLen
}

// ValidToken reports whether bytes 16..23 carry the magic token. The
// caller must have checked ValidSize first.
func ValidToken(datagram []byte) bool {
	return bytes.Equal(datagram[SessionIDLen:HeaderLen], MagicToken[:])
}

// SessionID extracts the raw 16-byte session id, padding included.
func SessionID(datagram []byte) [SessionIDLen]byte {
	var id [SessionIDLen]byte
	copy(id[:], datagram[:SessionIDLen])
	return id
}

// ParseHeader validates a full client-side datagram and splits it into its
// fields. ok is false when the datagram is too short to carry a payload or
// the token does not match.
func ParseHeader(datagram []byte) (sessionID [SessionIDLen]byte, typ byte, payload []byte, ok bool) {
	if len(datagram) <= FullHeaderLen {
		return sessionID, 0, nil, false
	}
	if !ValidToken(datagram) {
		return sessionID, 0, nil, false
	}
	copy(sessionID[:], datagram[:SessionIDLen])
	return sessionID, datagram[HeaderLen], datagram[FullHeaderLen:], true
}
