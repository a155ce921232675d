package cache

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/segmentio/encoding/json"
	"golang.org/x/crypto/blake2b"

	"github.com/alecgard/agentrt/internal/agent"
)

// Fingerprint returns the cache key for an agent call: the agent name, a
// colon, and the hex BLAKE2b-256 digest of the canonical input and call
// context. Inputs that differ only in object key order or insignificant
// whitespace share a key; calls with different contexts never do.
func Fingerprint(name string, input []byte, cc agent.CallContext) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("fingerprinting input for %s: %w", name, err)
	}
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	h.Write(canonical)
	if !cc.IsZero() {
		raw, err := json.Marshal(cc)
		if err != nil {
			return "", fmt.Errorf("fingerprinting context for %s: %w", name, err)
		}
		scope, err := Canonicalize(raw)
		if err != nil {
			return "", fmt.Errorf("fingerprinting context for %s: %w", name, err)
		}
		h.Write([]byte{0})
		h.Write(scope)
	}
	return AgentPrefix(name) + hex.EncodeToString(h.Sum(nil)), nil
}

// AgentPrefix is the key prefix shared by every entry of one agent, for use
// with InvalidatePrefix.
func AgentPrefix(name string) string {
	return name + ":"
}

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Empty input is treated as null.
func Canonicalize(input []byte) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("null"), nil
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
