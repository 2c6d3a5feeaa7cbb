// Package vault seals per-server OAuth tokens at rest and owns the
// consent ledger. Sealed values are AES-256-GCM with a scrypt-derived key;
// the wire format is base64(salt ‖ iv ‖ tag ‖ ciphertext) so any process
// holding the shared secret can open a value sealed by another.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	// scrypt cost parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Vault seals and opens secrets. The sealing key is derived once per process
// from the shared secret and a process-local salt; opening derives keys for
// foreign salts on demand and caches them.
type Vault struct {
	secret []byte

	sealSalt []byte
	sealAEAD cipher.AEAD

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// New constructs a Vault from the shared secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault secret is required")
	}
	v := &Vault{
		secret: []byte(secret),
		aeads:  make(map[string]cipher.AEAD),
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := v.derive(salt)
	if err != nil {
		return nil, err
	}
	v.sealSalt = salt
	v.sealAEAD = aead
	return v, nil
}

// derive builds the AEAD for a salt, caching the expensive scrypt result.
func (v *Vault) derive(salt []byte) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if aead, ok := v.aeads[string(salt)]; ok {
		return aead, nil
	}
	key, err := scrypt.Key(v.secret, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	v.aeads[string(salt)] = aead
	return aead, nil
}

// Seal encrypts plaintext and returns the portable representation.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.sealAEAD.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag; the wire format carries it before the ciphertext.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, saltSize+nonceSize+tagSize+len(ct))
	out = append(out, v.sealSalt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Tampered or foreign-key values fail with
// Unauthenticated, never with corrupted plaintext.
func (v *Vault) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, mcperr.Unauthenticated("sealed value is not valid base64")
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return nil, mcperr.Unauthenticated("sealed value too short")
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	tag := raw[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ct := raw[saltSize+nonceSize+tagSize:]

	aead, err := v.derive(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, append(append([]byte{}, ct...), tag...), nil)
	if err != nil {
		return nil, mcperr.Unauthenticated("sealed value cannot be opened")
	}
	return plaintext, nil
}
