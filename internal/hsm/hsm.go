// Package hsm models the hardware security module oracle spec §6 treats as
// an opaque collaborator: generate_key/encrypt/decrypt/rotate. It is
// grounded on original_source/security/crypto.rs's key-rotation shape. The
// core never sees key material, only the oracle's interface — this package
// ships a software-backed implementation suitable for tests and for
// environments without a real HSM, behind the same interface a production
// deployment would point at a PKCS#11 or cloud KMS client.
package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/guardian/internal/guardianerr"
)

// KeyAttributes describes the key being generated (purpose, rotation
// policy); opaque to the core beyond what it passes through.
type KeyAttributes struct {
	Purpose string
	TTL     time.Duration
}

// RotationSummary reports the outcome of a key rotation sweep.
type RotationSummary struct {
	RotatedKeys int
	RotatedAt   time.Time
}

// Oracle is the opaque HSM interface of §6.
type Oracle interface {
	GenerateKey(ctx context.Context, attrs KeyAttributes) (keyID string, err error)
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	Rotate(ctx context.Context) (RotationSummary, error)
}

type softKey struct {
	material [32]byte
	attrs    KeyAttributes
}

// SoftwareHSM implements Oracle with in-process AES-GCM keys. It is not a
// substitute for a real HSM; it exists so the model registry's signature
// path and the audit recorder's integrity tags have a concrete oracle to
// call in this repository and in tests.
type SoftwareHSM struct {
	mu   sync.RWMutex
	keys map[string]*softKey
}

// NewSoftwareHSM constructs an empty software-backed oracle.
func NewSoftwareHSM() *SoftwareHSM {
	return &SoftwareHSM{keys: make(map[string]*softKey)}
}

// GenerateKey creates a new AES-256 key and returns its opaque id.
func (h *SoftwareHSM) GenerateKey(_ context.Context, attrs KeyAttributes) (string, error) {
	var material [32]byte
	if _, err := rand.Read(material[:]); err != nil {
		return "", guardianerr.Security("failed to generate key material", err)
	}
	id := uuid.New().String()
	h.mu.Lock()
	h.keys[id] = &softKey{material: material, attrs: attrs}
	h.mu.Unlock()
	return id, nil
}

func (h *SoftwareHSM) gcm(keyID string) (cipher.AEAD, error) {
	h.mu.RLock()
	k, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return nil, guardianerr.Security("unknown key id: "+keyID, nil)
	}
	block, err := aes.NewCipher(k.material[:])
	if err != nil {
		return nil, guardianerr.Security("failed to init cipher", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under keyID, prefixing the nonce.
func (h *SoftwareHSM) Encrypt(_ context.Context, keyID string, plaintext []byte) ([]byte, error) {
	aead, err := h.gcm(keyID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, guardianerr.Security("failed to generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext previously produced by Encrypt under keyID.
// Decrypt(Encrypt(x)) == x. Encrypt draws a fresh nonce on every call, so
// Encrypt(Decrypt(c)) is a new ciphertext that decrypts to the same
// plaintext, not c itself.
func (h *SoftwareHSM) Decrypt(_ context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	aead, err := h.gcm(keyID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, guardianerr.Security("ciphertext too short", nil)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, guardianerr.Security("decryption failed", err)
	}
	return plain, nil
}

// Rotate replaces every key's material in place, preserving key ids so
// existing references remain valid but prior ciphertexts become
// undecryptable — matching a real HSM's rotation contract.
func (h *SoftwareHSM) Rotate(_ context.Context) (RotationSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for id, k := range h.keys {
		var material [32]byte
		if _, err := rand.Read(material[:]); err != nil {
			return RotationSummary{}, guardianerr.Security(fmt.Sprintf("failed to rotate key %s", id), err)
		}
		k.material = material
		count++
	}
	return RotationSummary{RotatedKeys: count, RotatedAt: time.Now()}, nil
}
