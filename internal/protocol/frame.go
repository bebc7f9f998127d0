package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/driftmesh/meshcore/internal/identity"
)

var (
	// ErrFrameTooShort is returned when a buffer is too short to contain a header.
	ErrFrameTooShort = errors.New("protocol: frame too short")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")

	// ErrTruncatedPayload is returned when a buffer's declared payload length
	// exceeds the bytes actually available.
	ErrTruncatedPayload = errors.New("protocol: truncated payload")

	// ErrInvalidFragmentHeader is returned for a malformed fragment header.
	ErrInvalidFragmentHeader = errors.New("protocol: invalid fragment header")
)

// Header is a mesh frame header.
//
//	version(1) | type(1) | flags(1) | id(16) | sender(8) | recipient(8) |
//	ttl(1) | timestamp_ms(8, big-endian) | payload_len(2, big-endian)
type Header struct {
	Version     uint8
	Type        uint8
	Flags       uint8
	ID          [MessageIDSize]byte
	Sender      identity.PeerID
	Recipient   identity.PeerID // ZeroPeerID for broadcast frames
	TTL         uint8
	TimestampMs uint64
	PayloadLen  uint16
}

// Encode serializes the header and payload into a single wire frame.
func (h *Header) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	offset := 0

	buf[offset] = h.Version
	offset++
	buf[offset] = h.Type
	offset++
	buf[offset] = h.Flags
	offset++

	copy(buf[offset:], h.ID[:])
	offset += MessageIDSize

	copy(buf[offset:], h.Sender[:])
	offset += identity.PeerIDSize

	copy(buf[offset:], h.Recipient[:])
	offset += identity.PeerIDSize

	buf[offset] = h.TTL
	offset++

	binary.BigEndian.PutUint64(buf[offset:], h.TimestampMs)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(payload)))
	offset += 2

	copy(buf[offset:], payload)

	return buf, nil
}

// DecodeHeader parses just the header portion of buf, without validating
// that the declared payload length is actually present.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrFrameTooShort, len(buf), HeaderSize)
	}

	h := &Header{}
	offset := 0

	h.Version = buf[offset]
	offset++
	h.Type = buf[offset]
	offset++
	h.Flags = buf[offset]
	offset++

	copy(h.ID[:], buf[offset:offset+MessageIDSize])
	offset += MessageIDSize

	copy(h.Sender[:], buf[offset:offset+identity.PeerIDSize])
	offset += identity.PeerIDSize

	copy(h.Recipient[:], buf[offset:offset+identity.PeerIDSize])
	offset += identity.PeerIDSize

	h.TTL = buf[offset]
	offset++

	h.TimestampMs = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	h.PayloadLen = binary.BigEndian.Uint16(buf[offset:])

	return h, nil
}

// Decode parses a full wire frame (header plus payload) from buf.
func Decode(buf []byte) (*Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, nil, err
	}

	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return nil, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedPayload, end, len(buf))
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderSize:end])

	return h, payload, nil
}

// IsBroadcast reports whether the header addresses a broadcast frame.
func (h *Header) IsBroadcast() bool {
	return h.Flags&FlagIsBroadcast != 0 || h.Recipient.IsZero()
}

// String returns a debug representation of the header.
func (h *Header) String() string {
	return fmt.Sprintf("Header{type=%s, flags=0x%02x, id=%x, sender=%s, ttl=%d, len=%d}",
		TypeName(h.Type), h.Flags, h.ID[:4], h.Sender, h.TTL, h.PayloadLen)
}

// ============================================================================
// Fragment header
// ============================================================================

// FragmentHeaderSize is the size in bytes of a fragment header:
// index(1) total(1) payload_length(2, big-endian).
const FragmentHeaderSize = 4

// FragmentHeader describes one piece of a fragmented message.
type FragmentHeader struct {
	Index      uint8
	Total      uint8
	PayloadLen uint16
}

// EncodeFragment serializes a fragment header and its payload slice.
func EncodeFragment(h FragmentHeader, payload []byte) ([]byte, error) {
	if h.Index >= h.Total {
		return nil, fmt.Errorf("%w: index %d >= total %d", ErrInvalidFragmentHeader, h.Index, h.Total)
	}
	if h.Total == 0 {
		return nil, fmt.Errorf("%w: total must be >= 1", ErrInvalidFragmentHeader)
	}
	if int(h.PayloadLen) != len(payload) {
		return nil, fmt.Errorf("%w: declared length %d does not match payload of %d bytes", ErrInvalidFragmentHeader, h.PayloadLen, len(payload))
	}

	buf := make([]byte, FragmentHeaderSize+len(payload))
	buf[0] = h.Index
	buf[1] = h.Total
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	copy(buf[FragmentHeaderSize:], payload)
	return buf, nil
}

// DecodeFragment parses a fragment header and payload from buf.
func DecodeFragment(buf []byte) (FragmentHeader, []byte, error) {
	if len(buf) < FragmentHeaderSize {
		return FragmentHeader{}, nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrFrameTooShort, len(buf), FragmentHeaderSize)
	}

	h := FragmentHeader{
		Index:      buf[0],
		Total:      buf[1],
		PayloadLen: binary.BigEndian.Uint16(buf[2:4]),
	}

	if h.Index >= h.Total || h.Total == 0 {
		return FragmentHeader{}, nil, fmt.Errorf("%w: index %d, total %d", ErrInvalidFragmentHeader, h.Index, h.Total)
	}

	end := FragmentHeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return FragmentHeader{}, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedPayload, end, len(buf))
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[FragmentHeaderSize:end])

	return h, payload, nil
}
