// Package secret seals credentials so they can live in config files. A sealed
// value is "enc:" followed by base64 of nonce||ciphertext under
// XChaCha20-Poly1305.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks a sealed value.
const Prefix = "enc:"

// ErrNoKey is returned when a sealed value is opened without a key.
var ErrNoKey = errors.New("sealed value found but no secret key is configured")

// Box seals and opens values with one key. A nil *Box opens plain values and
// rejects sealed ones.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a hex-encoded 32-byte key. An empty key returns a
// nil Box.
func NewBox(hexKey string) (*Box, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// GenerateKey returns a random hex-encoded key for NewBox.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Seal encrypts plaintext into a prefixed value.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns the plaintext of a sealed value. Values without the prefix are
// returned unchanged.
func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if b == nil {
		return "", ErrNoKey
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("sealed value too short")
	}
	plaintext, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}
	return string(plaintext), nil
}
