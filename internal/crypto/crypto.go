// Package crypto provides the cryptographic primitives the mesh engine
// builds its Noise handshake and transport sessions on: X25519, ChaCha20-Poly1305,
// SHA-256, HMAC-SHA256 and HKDF. A pluggable Provider interface lets the engine
// select an implementation once at construction and fail hard if none is available.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16
)

var (
	// ErrZeroSharedSecret is returned when an ECDH operation produces an
	// all-zero shared secret, which callers must treat as handshake failure.
	ErrZeroSharedSecret = errors.New("crypto: zero shared secret")

	// ErrZeroRemoteKey is returned when the remote public key is all-zero.
	ErrZeroRemoteKey = errors.New("crypto: zero remote public key")

	// ErrAuthFailed is returned on AEAD tag verification failure. No partial
	// plaintext is ever returned alongside this error.
	ErrAuthFailed = errors.New("crypto: aead authentication failed")

	// ErrNoProvider is returned when no registered provider is available.
	ErrNoProvider = errors.New("crypto: no available provider")
)

// Provider is the pluggable crypto backend. Implementations must be
// constant-time with respect to secret inputs and safe for concurrent use
// (they hold no mutable state of their own).
type Provider interface {
	GenerateKeyPair() (pub, priv [KeySize]byte, err error)
	ScalarBaseMult(priv [KeySize]byte) [KeySize]byte
	ScalarMult(priv, pub [KeySize]byte) (shared [KeySize]byte, err error)
	AEADEncrypt(key [KeySize]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error)
	AEADDecrypt(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error)
	SHA256(data []byte) [32]byte
	HMACSHA256(key, data []byte) [32]byte
	HKDFExpand(prk, info []byte, length int) ([]byte, error)
	RandomBytes(n int) ([]byte, error)
}

// ProviderKind tags a registered provider constructor.
type ProviderKind string

const (
	// ProviderStd is the production provider backed by golang.org/x/crypto.
	ProviderStd ProviderKind = "std"
)

var providerRegistry = map[ProviderKind]func() Provider{}

// RegisterProvider adds a provider constructor to the compile-time table.
// Intended to be called from package init() functions only.
func RegisterProvider(kind ProviderKind, ctor func() Provider) {
	providerRegistry[kind] = ctor
}

// SelectProvider tries each kind in order and returns the first whose
// constructor succeeds and whose availability probe passes. It fails hard
// (non-nil error) if none of the requested kinds are available.
func SelectProvider(prefer ...ProviderKind) (Provider, error) {
	if len(prefer) == 0 {
		prefer = []ProviderKind{ProviderStd}
	}
	for _, kind := range prefer {
		ctor, ok := providerRegistry[kind]
		if !ok {
			continue
		}
		p := ctor()
		if probe, ok := p.(interface{ IsAvailable() bool }); ok && !probe.IsAvailable() {
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: tried %v", ErrNoProvider, prefer)
}

func init() {
	RegisterProvider(ProviderStd, func() Provider { return stdProvider{} })
}

// stdProvider is the production Provider backed by golang.org/x/crypto and
// the standard library's constant-time primitives.
type stdProvider struct{}

// IsAvailable always succeeds; the std provider has no external dependency
// that can be unavailable at runtime.
func (stdProvider) IsAvailable() bool { return true }

// GenerateKeyPair returns a fresh X25519 key pair. The secret is clamped per
// RFC 7748: clear bits 0,1,2 of byte 0, clear bit 7 and set bit 6 of byte 31.
func (stdProvider) GenerateKeyPair() (pub, priv [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return pub, priv, fmt.Errorf("crypto: generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return pub, priv, nil
}

// ScalarBaseMult derives the public key for a clamped private key.
func (stdProvider) ScalarBaseMult(priv [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// ScalarMult performs the X25519 Montgomery ladder. An all-zero remote key is
// rejected outright; an all-zero result (a low-order point) is also rejected
// since the specification treats it as a handshake failure at the caller.
func (stdProvider) ScalarMult(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte
	if pub == zero {
		return shared, ErrZeroRemoteKey
	}
	curve25519.ScalarMult(&shared, &priv, &pub)
	if shared == zero {
		return shared, ErrZeroSharedSecret
	}
	return shared, nil
}

// AEADEncrypt seals plaintext with ChaCha20-Poly1305 per RFC 8439, returning
// ciphertext||tag with no nonce prepended (callers own nonce transport).
func (stdProvider) AEADEncrypt(key [KeySize]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// AEADDecrypt opens a ciphertext produced by AEADEncrypt. On authentication
// failure it returns ErrAuthFailed and no plaintext.
func (stdProvider) AEADDecrypt(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// SHA256 hashes data per FIPS 180-4.
func (stdProvider) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 computes HMAC-SHA256 per RFC 2104.
func (stdProvider) HMACSHA256(key, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// HKDFExpand derives length bytes from prk using HKDF-Expand-SHA256 (RFC 5869).
// This is the general-purpose expansion used outside the Noise handshake's own
// two-output MixKey split, which is computed directly against HMAC (see the
// noise package) rather than through this generic expander.
func (stdProvider) HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	reader := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// RandomBytes returns n bytes from the process CSPRNG. Failure to obtain
// entropy is treated as fatal by callers.
func (stdProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// BuildNonceLE constructs the wire nonce format used throughout this engine:
// 4 zero bytes followed by the counter as 8 little-endian bytes. Both the
// Noise handshake and the transport Session use it.
func BuildNonceLE(counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// ZeroBytes overwrites b with zeroes to scrub sensitive data from memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// IsZeroKey reports whether key is all-zero.
func IsZeroKey(key [KeySize]byte) bool {
	var zero [KeySize]byte
	return key == zero
}
