package cache

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedMagic prefixes encrypted entries so plain JSON written before
// encryption was enabled can still be read.
var sealedMagic = []byte("TKA1")

// Sealer encrypts cache entries at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// aeadSealer seals entries with XChaCha20-Poly1305. Layout is
// magic | 24-byte nonce | ciphertext+tag, with the magic as associated data.
type aeadSealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	return &aeadSealer{aead: aead}, nil
}

func (s *aeadSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := append([]byte{}, sealedMagic...)
	out = append(out, nonce...)

	return s.aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

func (s *aeadSealer) Open(sealed []byte) ([]byte, error) {
	if !isSealed(sealed) {
		return nil, fmt.Errorf("entry is not sealed")
	}

	body := sealed[len(sealedMagic):]
	if len(body) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed entry too short")
	}

	nonce, ciphertext := body[:s.aead.NonceSize()], body[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("opening sealed entry: %w", err)
	}

	return plaintext, nil
}

func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}

func newKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}
