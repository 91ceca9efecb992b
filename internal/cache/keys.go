package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"optigate/internal/core"
)

// hashLength is the number of hex characters kept from the payload digest.
const hashLength = 16

// GenerateKey builds the deterministic cache key for a request:
// "<providerType>:<endpoint>:<hash>", where hash is the truncated SHA-256
// of the canonical (key-order-independent) JSON form of the payload.
// Logically identical payloads yield identical keys regardless of map key
// insertion order.
func GenerateKey(providerType core.ProviderType, endpoint string, payload any) (string, error) {
	hash, err := RequestHash(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", providerType, endpoint, hash), nil
}

// RequestHash returns the truncated hex digest of the payload's canonical form.
func RequestHash(payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:hashLength], nil
}

// SplitKey decomposes a cache key into its provider type, endpoint, and
// request hash. Returns an error for malformed keys.
func SplitKey(key string) (core.ProviderType, string, string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed cache key: %q", key)
	}
	return core.ProviderType(parts[0]), parts[1], parts[2], nil
}

// canonicalJSON produces a canonical encoding of the payload by round-
// tripping it through an untyped value: encoding/json sorts map keys when
// marshaling, which makes the result independent of struct or map key order.
func canonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
