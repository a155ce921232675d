package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// keyPrefix marks plaintext agentrt API keys.
const keyPrefix = "agentrt_"

// Principal is an authenticated API caller.
type Principal struct {
	Name string
	// Admin callers may change runtime state: apply recommendations and
	// resolve alerts.
	Admin bool
}

// Key is a configured API key. Only the SHA-256 hash of the plaintext key is
// ever stored.
type Key struct {
	Name  string `yaml:"name"`
	Hash  string `yaml:"hash"`
	Admin bool   `yaml:"admin"`
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 14 characters of the plaintext key
}

// Keyring resolves bearer tokens to principals. An empty Keyring disables
// authentication.
type Keyring struct {
	keys []Key
}

// NewKeyring validates keys and builds a Keyring.
func NewKeyring(keys []Key) (*Keyring, error) {
	names := make(map[string]bool, len(keys))
	hashes := make(map[string]bool, len(keys))
	for i, k := range keys {
		if k.Name == "" {
			return nil, fmt.Errorf("api key %d: name is required", i)
		}
		if names[k.Name] {
			return nil, fmt.Errorf("api key %s: duplicate name", k.Name)
		}
		if b, err := hex.DecodeString(k.Hash); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("api key %s: hash must be a hex-encoded SHA-256 digest", k.Name)
		}
		if hashes[k.Hash] {
			return nil, fmt.Errorf("api key %s: duplicate hash", k.Name)
		}
		names[k.Name] = true
		hashes[k.Hash] = true
	}
	return &Keyring{keys: append([]Key(nil), keys...)}, nil
}

// Enabled reports whether any keys are configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.keys) > 0
}

// ErrInvalidKey is returned for tokens that match no configured key.
var ErrInvalidKey = errors.New("invalid api key")

// Authenticate resolves a plaintext token. Every key is compared in constant
// time.
func (k *Keyring) Authenticate(token string) (Principal, error) {
	sum := sha256.Sum256([]byte(token))
	var (
		found Principal
		ok    bool
	)
	for _, key := range k.keys {
		want, _ := hex.DecodeString(key.Hash)
		if subtle.ConstantTimeCompare(sum[:], want) == 1 {
			found, ok = Principal{Name: key.Name, Admin: key.Admin}, true
		}
	}
	if !ok {
		return Principal{}, ErrInvalidKey
	}
	return found, nil
}

// GenerateAPIKey creates a new API key with the "agentrt_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:14],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
