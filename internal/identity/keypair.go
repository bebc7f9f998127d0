// Package identity manages the mesh node's long-lived X25519 static
// keypair: generation, hex encoding, and persistence to disk.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftmesh/meshcore/internal/crypto"
)

const (
	// KeySize is the size of an X25519 key in bytes.
	KeySize = crypto.KeySize

	keyFileName    = "node_key"
	pubKeyFileName = "node_key.pub"
)

var (
	// ErrInvalidKeyLength is returned when a parsed key is not KeySize bytes.
	ErrInvalidKeyLength = errors.New("identity: invalid key length")

	// ErrZeroPrivateKey is returned when attempting to store a zero private key.
	ErrZeroPrivateKey = errors.New("identity: cannot store zero private key")

	// ErrPublicKeyMismatch is returned when a loaded public key file does not
	// match the public key derivable from the loaded private key.
	ErrPublicKeyMismatch = errors.New("identity: stored public key does not match private key")
)

// Keypair is the node's static X25519 identity: the long-term key pair that
// Noise XX authenticates in its second and third handshake messages.
type Keypair struct {
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
}

// NewKeypair generates a fresh X25519 keypair.
func NewKeypair() (*Keypair, error) {
	provider, err := crypto.SelectProvider(crypto.ProviderStd)
	if err != nil {
		return nil, err
	}
	pub, priv, err := provider.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Keypair{PrivateKey: priv, PublicKey: pub}, nil
}

// ParseKey decodes a hex-encoded key, trimming surrounding whitespace and an
// optional 0x/0X prefix.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return key, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidKeyLength, len(s), KeySize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("identity: invalid hex key: %w", err)
	}
	copy(key[:], b)
	return key, nil
}

// KeyToString returns the lowercase hex encoding of key.
func KeyToString(key [KeySize]byte) string {
	return hex.EncodeToString(key[:])
}

// IsZeroKey reports whether key is all-zero.
func IsZeroKey(key [KeySize]byte) bool {
	var zero [KeySize]byte
	return key == zero
}

// Store persists the keypair to dataDir: the private key at 0600 and the
// public key at 0644, each written atomically via a temp-file rename.
func (kp *Keypair) Store(dataDir string) error {
	if IsZeroKey(kp.PrivateKey) {
		return ErrZeroPrivateKey
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(dataDir, keyFileName), KeyToString(kp.PrivateKey)+"\n", 0600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	if err := writeAtomic(filepath.Join(dataDir, pubKeyFileName), KeyToString(kp.PublicKey)+"\n", 0644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}

func writeAtomic(path, content string, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// LoadKeypair reads a keypair from dataDir and verifies the stored public key
// matches the public key derived from the stored private key.
func LoadKeypair(dataDir string) (*Keypair, error) {
	privData, err := os.ReadFile(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	priv, err := ParseKey(strings.TrimSpace(string(privData)))
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	pubData, err := os.ReadFile(filepath.Join(dataDir, pubKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("identity: read public key: %w", err)
	}
	pub, err := ParseKey(strings.TrimSpace(string(pubData)))
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}

	provider, err := crypto.SelectProvider(crypto.ProviderStd)
	if err != nil {
		return nil, err
	}
	if provider.ScalarBaseMult(priv) != pub {
		return nil, ErrPublicKeyMismatch
	}

	return &Keypair{PrivateKey: priv, PublicKey: pub}, nil
}

// LoadOrCreateKeypair loads an existing keypair from dataDir, or generates and
// persists a new one if none exists. The bool result reports whether a new
// keypair was created.
func LoadOrCreateKeypair(dataDir string) (*Keypair, bool, error) {
	if KeypairExists(dataDir) {
		kp, err := LoadKeypair(dataDir)
		return kp, false, err
	}

	kp, err := NewKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// KeypairExists reports whether a keypair is persisted in dataDir.
func KeypairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}

// Zero scrubs the private key from memory. The public key is left intact
// since it is not secret.
func (kp *Keypair) Zero() {
	crypto.ZeroKey(&kp.PrivateKey)
}

// PublicKeyString returns the full hex encoding of the public key.
func (kp *Keypair) PublicKeyString() string {
	return KeyToString(kp.PublicKey)
}

// PublicKeyShortString returns the first 8 bytes of the public key as hex,
// the same prefix used to build the node's wire-format PeerID.
func (kp *Keypair) PublicKeyShortString() string {
	return hex.EncodeToString(kp.PublicKey[:8])
}
