package session

import (
	"bytes"
	"testing"

	"github.com/driftmesh/meshcore/internal/crypto"
)

func testProvider(t *testing.T) crypto.Provider {
	t.Helper()
	p, err := crypto.SelectProvider(crypto.ProviderStd)
	if err != nil {
		t.Fatalf("SelectProvider() error = %v", err)
	}
	return p
}

func pairedSessions(t *testing.T) (a, b *Session) {
	t.Helper()
	provider := testProvider(t)

	var k1, k2 [crypto.KeySize]byte
	copy(k1[:], bytes.Repeat([]byte{0x11}, crypto.KeySize))
	copy(k2[:], bytes.Repeat([]byte{0x22}, crypto.KeySize))

	a = New(provider, k1, k2, true)
	b = New(provider, k2, k1, false)
	return a, b
}

func TestSession_EncryptDecryptRoundtrip(t *testing.T) {
	a, b := pairedSessions(t)

	plaintext := []byte("mesh transport payload")
	ciphertext, err := a.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	decrypted, err := b.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestSession_NonceMonotonic(t *testing.T) {
	a, b := pairedSessions(t)

	for i := 0; i < 5; i++ {
		ciphertext, err := a.Encrypt([]byte("msg"))
		if err != nil {
			t.Fatalf("Encrypt() #%d error = %v", i, err)
		}
		if _, err := b.Decrypt(ciphertext); err != nil {
			t.Fatalf("Decrypt() #%d error = %v", i, err)
		}
	}

	a.mu.Lock()
	got := a.sendNonce
	a.mu.Unlock()
	if got != 5 {
		t.Errorf("sendNonce = %d, want 5", got)
	}
}

func TestSession_CorruptCiphertextDoesNotAdvanceRecvNonce(t *testing.T) {
	a, b := pairedSessions(t)

	ciphertext, err := a.Encrypt([]byte("msg"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := b.Decrypt(tampered); err == nil {
		t.Fatal("Decrypt() should fail on a tampered ciphertext")
	}

	b.mu.Lock()
	got := b.recvNonce
	b.mu.Unlock()
	if got != 0 {
		t.Errorf("recvNonce = %d after failed decrypt, want 0", got)
	}

	if _, err := b.Decrypt(ciphertext); err != nil {
		t.Fatalf("Decrypt() of the original ciphertext should still succeed, error = %v", err)
	}
}

func TestSession_OutOfOrderCiphertextRejected(t *testing.T) {
	a, b := pairedSessions(t)

	first, err := a.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := a.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := b.Decrypt(second); err == nil {
		t.Error("Decrypt() should reject a ciphertext encrypted ahead of recv_nonce")
	}
	if _, err := b.Decrypt(first); err != nil {
		t.Errorf("Decrypt() of the in-order ciphertext should succeed, error = %v", err)
	}
}

func TestSession_RekeyWarningFiresOnceAtThreshold(t *testing.T) {
	a, _ := pairedSessions(t)
	a.sendNonce = RekeyThreshold - 1

	if a.RekeyWarning() {
		t.Error("RekeyWarning() fired before crossing the threshold")
	}

	a.sendNonce = RekeyThreshold

	if !a.RekeyWarning() {
		t.Error("RekeyWarning() should fire once the threshold is crossed")
	}
	if a.RekeyWarning() {
		t.Error("RekeyWarning() should fire only once per crossing")
	}
}

func TestSession_NonceExhaustion(t *testing.T) {
	a, _ := pairedSessions(t)
	a.sendNonce = MaxNonce

	if _, err := a.Encrypt([]byte("msg")); err == nil {
		t.Error("Encrypt() should fail once sendNonce reaches MaxNonce")
	}
}

func TestSession_DestroyZeroesKeysAndClosesSession(t *testing.T) {
	a, _ := pairedSessions(t)
	a.Destroy()

	if a.Established() {
		t.Error("Established() should be false after Destroy()")
	}
	if _, err := a.Encrypt([]byte("msg")); err == nil {
		t.Error("Encrypt() should fail after Destroy()")
	}

	a.mu.Lock()
	sendKey := a.sendKey
	recvKey := a.recvKey
	a.mu.Unlock()
	if !crypto.IsZeroKey(sendKey) || !crypto.IsZeroKey(recvKey) {
		t.Error("Destroy() should zero both session keys")
	}
}

func TestSession_ExportImportRoundtrip(t *testing.T) {
	provider := testProvider(t)
	a, _ := pairedSessions(t)

	if _, err := a.Encrypt([]byte("msg")); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	state := a.Export()
	restored, err := Import(provider, state)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if restored.sendNonce != 1 {
		t.Errorf("restored sendNonce = %d, want 1", restored.sendNonce)
	}
	if !restored.IsInitiator() {
		t.Error("restored session should preserve IsInitiator")
	}
}

func TestSession_ImportRejectsZeroKeys(t *testing.T) {
	provider := testProvider(t)
	_, err := Import(provider, PersistedState{})
	if err == nil {
		t.Error("Import() should reject an all-zero persisted state")
	}
}
