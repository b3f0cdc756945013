// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoSealingKey is returned when a Sealer is constructed without key
// material. Key storage requires sealing; there is no plaintext fallback.
var ErrNoSealingKey = errors.New("security: no sealing key configured")

// Sealer encrypts and decrypts small secrets (private keys, passphrases)
// for at-rest storage. The output is nonce||ciphertext under AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key given as a hex string.
func NewSealer(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, ErrNoSealingKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("security: decode sealing key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("security: sealing key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: init gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealingKey generates a fresh random sealing key in the hex form
// accepted by NewSealer. Used by `gatehouse init` style setup paths.
func NewSealingKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("security: generate sealing key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. The result is wrapped in a Secret;
// callers must Zero it when the enclosing operation finishes.
func (s *Sealer) Open(blob []byte) (Secret, error) {
	if len(blob) < s.aead.NonceSize() {
		return nil, errors.New("security: sealed blob too short")
	}
	nonce, ct := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("security: open sealed blob: %w", err)
	}
	return Secret(plaintext), nil
}
