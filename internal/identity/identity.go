// Package identity provides mesh node identity: a long-lived X25519
// keypair (see keypair.go) and the 8-byte wire PeerID derived from it.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// PeerIDSize is the size of a PeerID in bytes, matching the sender/recipient
	// fields of the wire header.
	PeerIDSize = 8
)

var (
	// ErrInvalidPeerIDLength is returned when a parsed PeerID is not PeerIDSize bytes.
	ErrInvalidPeerIDLength = errors.New("identity: invalid peer id length")

	// ErrInvalidPeerIDHex is returned when a hex string cannot be parsed into a PeerID.
	ErrInvalidPeerIDHex = errors.New("identity: invalid hex string for peer id")

	// ZeroPeerID represents an uninitialized PeerID.
	ZeroPeerID = PeerID{}
)

// PeerID is the 8-byte identifier a node places in the sender/recipient
// fields of every wire frame. It is not random: it is the first 8 bytes of
// the node's X25519 static public key, so any peer that has completed a
// handshake with a node can already recognize its id without a separate
// directory lookup.
type PeerID [PeerIDSize]byte

// PeerIDFromPublicKey derives the wire PeerID for a static public key.
func PeerIDFromPublicKey(pub [KeySize]byte) PeerID {
	var id PeerID
	copy(id[:], pub[:PeerIDSize])
	return id
}

// ParsePeerID parses a PeerID from a hex string, trimming whitespace and an
// optional 0x/0X prefix.
func ParsePeerID(s string) (PeerID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != PeerIDSize*2 {
		return ZeroPeerID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidPeerIDHex, len(s), PeerIDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerIDHex, err)
	}

	var id PeerID
	copy(id[:], b)
	return id, nil
}

// PeerIDFromBytes builds a PeerID from a byte slice of exactly PeerIDSize bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDSize {
		return ZeroPeerID, fmt.Errorf("%w: got %d bytes", ErrInvalidPeerIDLength, len(b))
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// String returns the hex representation of the PeerID.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the PeerID as a byte slice.
func (id PeerID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the PeerID is uninitialized.
func (id PeerID) IsZero() bool {
	return id == ZeroPeerID
}

// Equal returns true if two PeerIDs are identical.
func (id PeerID) Equal(other PeerID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
