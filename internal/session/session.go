// Package session implements the per-peer transport AEAD session produced by
// a completed Noise handshake: independent send/recv keys, strictly
// monotonic nonce counters, and a rekey-threshold warning.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/driftmesh/meshcore/internal/crypto"
)

const (
	// RekeyThreshold is the nonce count at which a rekey warning is raised.
	// The session keeps operating past this point.
	RekeyThreshold = uint64(1) << 32

	// MaxNonce is the nonce value at which the session refuses to
	// encrypt or decrypt any further.
	MaxNonce = ^uint64(0)
)

var (
	// ErrNonceExhausted is returned when a session's send or recv counter
	// has reached MaxNonce.
	ErrNonceExhausted = errors.New("session: nonce space exhausted")

	// ErrAuthFailed is returned on AEAD tag verification failure.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrClosed is returned by any operation on a destroyed session.
	ErrClosed = errors.New("session: session destroyed")

	// ErrInvalidState is returned when importing a malformed persisted state.
	ErrInvalidState = errors.New("session: invalid persisted state")
)

// Session is a bidirectional AEAD channel to one peer, established by a
// completed Noise handshake. One side's send key is the other side's recv
// key, so no direction bit is needed in the nonce.
type Session struct {
	mu sync.Mutex

	provider crypto.Provider

	sendKey [crypto.KeySize]byte
	recvKey [crypto.KeySize]byte

	sendNonce uint64
	recvNonce uint64

	isInitiator bool
	established bool
	destroyed   bool

	rekeyWarned bool
}

// New creates a Session from the two transport keys produced by a completed
// Noise handshake's Split().
func New(provider crypto.Provider, sendKey, recvKey [crypto.KeySize]byte, isInitiator bool) *Session {
	return &Session{
		provider:    provider,
		sendKey:     sendKey,
		recvKey:     recvKey,
		isInitiator: isInitiator,
		established: true,
	}
}

// Encrypt seals plaintext under the session's send key and advances the
// send nonce. Returns ErrNonceExhausted once the counter reaches MaxNonce.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrClosed
	}
	if s.sendNonce >= MaxNonce {
		return nil, ErrNonceExhausted
	}

	nonce := crypto.BuildNonceLE(s.sendNonce)
	ciphertext, err := s.provider.AEADEncrypt(s.sendKey, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("session: encrypt: %w", err)
	}
	s.sendNonce++

	return ciphertext, nil
}

// Decrypt opens ciphertext under the session's recv key and advances the
// recv nonce. The recv nonce is NOT advanced on authentication failure, so a
// single corrupted or spoofed packet cannot be used to desynchronize the
// session. Out-of-order ciphertexts are rejected: only the ciphertext
// encrypted at the current recv_nonce will ever verify.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrClosed
	}
	if s.recvNonce >= MaxNonce {
		return nil, ErrNonceExhausted
	}

	nonce := crypto.BuildNonceLE(s.recvNonce)
	plaintext, err := s.provider.AEADDecrypt(s.recvKey, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	s.recvNonce++

	return plaintext, nil
}

// RekeyWarning reports whether either nonce counter has crossed
// RekeyThreshold since the last call, returning true at most once per
// crossing.
func (s *Session) RekeyWarning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rekeyWarned {
		return false
	}
	if s.sendNonce >= RekeyThreshold || s.recvNonce >= RekeyThreshold {
		s.rekeyWarned = true
		return true
	}
	return false
}

// IsInitiator reports whether this session's owner was the handshake initiator.
func (s *Session) IsInitiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isInitiator
}

// Established reports whether the session is usable.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established && !s.destroyed
}

// Destroy zeroes the session's key material. The session is unusable
// afterward; every subsequent Encrypt/Decrypt call returns ErrClosed.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	crypto.ZeroKey(&s.sendKey)
	crypto.ZeroKey(&s.recvKey)
	s.sendNonce = 0
	s.recvNonce = 0
	s.destroyed = true
	s.established = false
}

// PersistedState is the exported form of a session, suitable for storage
// across a process restart. Any deviating field length is rejected on import.
type PersistedState struct {
	SendKey     [crypto.KeySize]byte
	RecvKey     [crypto.KeySize]byte
	SendNonce   uint64
	RecvNonce   uint64
	IsInitiator bool
	Established bool
}

// Export snapshots the session's state for persistence. The caller is
// responsible for the confidentiality of the result: it contains live key
// material.
func (s *Session) Export() PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return PersistedState{
		SendKey:     s.sendKey,
		RecvKey:     s.recvKey,
		SendNonce:   s.sendNonce,
		RecvNonce:   s.recvNonce,
		IsInitiator: s.isInitiator,
		Established: s.established,
	}
}

// Import reconstructs a Session from a previously exported PersistedState.
func Import(provider crypto.Provider, state PersistedState) (*Session, error) {
	if crypto.IsZeroKey(state.SendKey) || crypto.IsZeroKey(state.RecvKey) {
		return nil, fmt.Errorf("%w: zero key material", ErrInvalidState)
	}

	return &Session{
		provider:    provider,
		sendKey:     state.SendKey,
		recvKey:     state.RecvKey,
		sendNonce:   state.SendNonce,
		recvNonce:   state.RecvNonce,
		isInitiator: state.IsInitiator,
		established: state.Established,
	}, nil
}
