// Package noise implements the Noise_XX_25519_ChaChaPoly_SHA256 handshake
// pattern: a 3-message mutual-authentication handshake over X25519 that ends
// in a pair of independent transport keys (see the session package).
package noise

import (
	"errors"
	"fmt"

	"github.com/driftmesh/meshcore/internal/crypto"
)

// ProtocolName is the Noise protocol name mixed into the initial handshake
// hash, per the Noise specification's naming convention.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

var (
	// ErrHandshakeComplete is returned when a write/read is attempted on a
	// handshake that has already produced its Split() transport keys.
	ErrHandshakeComplete = errors.New("noise: handshake already complete")

	// ErrOutOfOrder is returned when a message is written or read out of the
	// XX pattern's fixed message order.
	ErrOutOfOrder = errors.New("noise: handshake message out of order")

	// ErrDecryptFailed is returned when a handshake payload fails AEAD
	// authentication.
	ErrDecryptFailed = errors.New("noise: handshake payload decryption failed")

	// ErrNotComplete is returned when Split is called before message 3 has
	// been processed.
	ErrNotComplete = errors.New("noise: handshake not complete")
)

// symmetricState tracks the running handshake hash h and chaining key ck,
// plus an optional transport key k with its own nonce counter n, exactly as
// specified by Noise's CipherState/SymmetricState combination.
type symmetricState struct {
	provider crypto.Provider

	h  [32]byte
	ck [32]byte

	hasKey bool
	k      [crypto.KeySize]byte
	n      uint64
}

func newSymmetricState(provider crypto.Provider) *symmetricState {
	s := &symmetricState{provider: provider}
	if len(ProtocolName) <= len(s.h) {
		copy(s.h[:], ProtocolName)
	} else {
		s.h = provider.SHA256([]byte(ProtocolName))
	}
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	combined := make([]byte, 0, len(s.h)+len(data))
	combined = append(combined, s.h[:]...)
	combined = append(combined, data...)
	s.h = s.provider.SHA256(combined)
}

// mixKey derives a new chaining key and transport key from the running
// chaining key and fresh DH output, per Noise's two-output HKDF split.
func (s *symmetricState) mixKey(inputKeyMaterial []byte) error {
	prk := s.provider.HMACSHA256(s.ck[:], inputKeyMaterial)
	out, err := s.provider.HKDFExpand(prk[:], nil, 64)
	if err != nil {
		return fmt.Errorf("noise: mix key: %w", err)
	}
	copy(s.ck[:], out[:32])
	copy(s.k[:], out[32:64])
	s.hasKey = true
	s.n = 0
	return nil
}

// encryptAndHash encrypts plaintext (if a key is set; otherwise it is
// passed through) with the running hash as associated data, then mixes the
// ciphertext into the hash.
func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	var out []byte
	if s.hasKey {
		nonce := crypto.BuildNonceLE(s.n)
		ciphertext, err := s.provider.AEADEncrypt(s.k, nonce, plaintext, s.h[:])
		if err != nil {
			return nil, err
		}
		s.n++
		out = ciphertext
	} else {
		out = append([]byte(nil), plaintext...)
	}
	s.mixHash(out)
	return out, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	var out []byte
	if s.hasKey {
		nonce := crypto.BuildNonceLE(s.n)
		plaintext, err := s.provider.AEADDecrypt(s.k, nonce, ciphertext, s.h[:])
		if err != nil {
			return nil, ErrDecryptFailed
		}
		s.n++
		out = plaintext
	} else {
		out = append([]byte(nil), ciphertext...)
	}
	s.mixHash(ciphertext)
	return out, nil
}

// split derives the two independent one-way transport keys from the final
// chaining key.
func (s *symmetricState) split() (sendKey, recvKey [crypto.KeySize]byte, err error) {
	temp := s.provider.HMACSHA256(s.ck[:], nil)
	out, err := s.provider.HKDFExpand(temp[:], nil, 64)
	if err != nil {
		return sendKey, recvKey, fmt.Errorf("noise: split: %w", err)
	}
	copy(sendKey[:], out[:32])
	copy(recvKey[:], out[32:64])
	return sendKey, recvKey, nil
}

// role distinguishes the handshake initiator from the responder, since the
// XX pattern assigns different message directions to each.
type role int

const (
	roleInitiator role = iota
	roleResponder
)

// HandshakeState drives the 3-message Noise XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type HandshakeState struct {
	sym      *symmetricState
	provider crypto.Provider
	role     role
	step     int

	staticPriv [crypto.KeySize]byte
	staticPub  [crypto.KeySize]byte

	localEphPriv [crypto.KeySize]byte
	localEphPub  [crypto.KeySize]byte

	remoteEphPub  [crypto.KeySize]byte
	remoteStatic  [crypto.KeySize]byte
	hasRemoteStatic bool

	complete bool
}

// NewInitiator starts a handshake as the connecting side, using staticPriv/
// staticPub as the node's long-lived identity keypair.
func NewInitiator(provider crypto.Provider, staticPriv, staticPub [crypto.KeySize]byte) *HandshakeState {
	return &HandshakeState{
		sym:        newSymmetricState(provider),
		provider:   provider,
		role:       roleInitiator,
		staticPriv: staticPriv,
		staticPub:  staticPub,
	}
}

// NewResponder starts a handshake as the accepting side.
func NewResponder(provider crypto.Provider, staticPriv, staticPub [crypto.KeySize]byte) *HandshakeState {
	return &HandshakeState{
		sym:        newSymmetricState(provider),
		provider:   provider,
		role:       roleResponder,
		staticPriv: staticPriv,
		staticPub:  staticPub,
	}
}

// WriteMessage produces the next handshake message this role is due to
// send. payload is accepted for Noise API symmetry but this pattern's
// three messages carry no payload field of their own; callers should pass
// nil.
func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}

	switch {
	case hs.role == roleInitiator && hs.step == 0:
		return hs.writeMsg1()
	case hs.role == roleResponder && hs.step == 1:
		return hs.writeMsg2()
	case hs.role == roleInitiator && hs.step == 2:
		return hs.writeMsg3(payload)
	default:
		return nil, ErrOutOfOrder
	}
}

// ReadMessage consumes the next expected handshake message for this role.
func (hs *HandshakeState) ReadMessage(msg []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}

	switch {
	case hs.role == roleResponder && hs.step == 0:
		return hs.readMsg1(msg)
	case hs.role == roleInitiator && hs.step == 1:
		return hs.readMsg2(msg)
	case hs.role == roleResponder && hs.step == 2:
		return hs.readMsg3(msg)
	default:
		return nil, ErrOutOfOrder
	}
}

// -> e
func (hs *HandshakeState) writeMsg1() ([]byte, error) {
	pub, priv, err := hs.provider.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral: %w", err)
	}
	hs.localEphPriv, hs.localEphPub = priv, pub

	hs.sym.mixHash(pub[:])
	ciphertext, err := hs.sym.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	hs.step = 1
	return append(append([]byte(nil), pub[:]...), ciphertext...), nil
}

func (hs *HandshakeState) readMsg1(msg []byte) ([]byte, error) {
	if len(msg) < crypto.KeySize {
		return nil, fmt.Errorf("%w: message 1 too short", ErrDecryptFailed)
	}
	copy(hs.remoteEphPub[:], msg[:crypto.KeySize])
	hs.sym.mixHash(hs.remoteEphPub[:])

	if _, err := hs.sym.decryptAndHash(msg[crypto.KeySize:]); err != nil {
		return nil, err
	}
	hs.step = 1
	return nil, nil
}

// <- e, ee, s, es
func (hs *HandshakeState) writeMsg2() ([]byte, error) {
	pub, priv, err := hs.provider.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral: %w", err)
	}
	hs.localEphPriv, hs.localEphPub = priv, pub
	hs.sym.mixHash(pub[:])

	ee, err := hs.provider.ScalarMult(priv, hs.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("noise: ee: %w", err)
	}
	if err := hs.sym.mixKey(ee[:]); err != nil {
		return nil, err
	}

	encStatic, err := hs.sym.encryptAndHash(hs.staticPub[:])
	if err != nil {
		return nil, err
	}

	es, err := hs.provider.ScalarMult(hs.staticPriv, hs.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("noise: es: %w", err)
	}
	if err := hs.sym.mixKey(es[:]); err != nil {
		return nil, err
	}

	hs.step = 2
	return append(append([]byte(nil), pub[:]...), encStatic...), nil
}

func (hs *HandshakeState) readMsg2(msg []byte) ([]byte, error) {
	if len(msg) < crypto.KeySize {
		return nil, fmt.Errorf("%w: message 2 too short", ErrDecryptFailed)
	}
	copy(hs.remoteEphPub[:], msg[:crypto.KeySize])
	hs.sym.mixHash(hs.remoteEphPub[:])
	rest := msg[crypto.KeySize:]

	ee, err := hs.provider.ScalarMult(hs.localEphPriv, hs.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("noise: ee: %w", err)
	}
	if err := hs.sym.mixKey(ee[:]); err != nil {
		return nil, err
	}

	encStaticLen := crypto.KeySize + crypto.TagSize
	if len(rest) < encStaticLen {
		return nil, fmt.Errorf("%w: message 2 missing static key", ErrDecryptFailed)
	}
	staticPlain, err := hs.sym.decryptAndHash(rest[:encStaticLen])
	if err != nil {
		return nil, err
	}
	copy(hs.remoteStatic[:], staticPlain)
	hs.hasRemoteStatic = true

	es, err := hs.provider.ScalarMult(hs.localEphPriv, hs.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("noise: es: %w", err)
	}
	if err := hs.sym.mixKey(es[:]); err != nil {
		return nil, err
	}

	hs.step = 2
	return nil, nil
}

// -> s, se
func (hs *HandshakeState) writeMsg3(_ []byte) ([]byte, error) {
	encStatic, err := hs.sym.encryptAndHash(hs.staticPub[:])
	if err != nil {
		return nil, err
	}

	se, err := hs.provider.ScalarMult(hs.staticPriv, hs.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("noise: se: %w", err)
	}
	if err := hs.sym.mixKey(se[:]); err != nil {
		return nil, err
	}

	hs.complete = true
	return encStatic, nil
}

func (hs *HandshakeState) readMsg3(msg []byte) ([]byte, error) {
	encStaticLen := crypto.KeySize + crypto.TagSize
	if len(msg) < encStaticLen {
		return nil, fmt.Errorf("%w: message 3 too short", ErrDecryptFailed)
	}
	staticPlain, err := hs.sym.decryptAndHash(msg[:encStaticLen])
	if err != nil {
		return nil, err
	}
	copy(hs.remoteStatic[:], staticPlain)
	hs.hasRemoteStatic = true

	se, err := hs.provider.ScalarMult(hs.localEphPriv, hs.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("noise: se: %w", err)
	}
	if err := hs.sym.mixKey(se[:]); err != nil {
		return nil, err
	}

	hs.complete = true
	return nil, nil
}

// IsComplete reports whether all 3 handshake messages have been processed.
func (hs *HandshakeState) IsComplete() bool {
	return hs.complete
}

// RemoteStatic returns the peer's static public key, authenticated once the
// message carrying it has been processed (message 2 for the initiator,
// message 3 for the responder).
func (hs *HandshakeState) RemoteStatic() ([crypto.KeySize]byte, bool) {
	return hs.remoteStatic, hs.hasRemoteStatic
}

// Split derives the two transport keys once the handshake is complete. Per
// Noise XX, the initiator's first output is the send key and its second is
// the recv key; the responder uses the same two keys in the opposite roles.
func (hs *HandshakeState) Split() (sendKey, recvKey [crypto.KeySize]byte, err error) {
	if !hs.complete {
		return sendKey, recvKey, ErrNotComplete
	}
	k1, k2, err := hs.sym.split()
	if err != nil {
		return sendKey, recvKey, err
	}
	if hs.role == roleInitiator {
		return k1, k2, nil
	}
	return k2, k1, nil
}
