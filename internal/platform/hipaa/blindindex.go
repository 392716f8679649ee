package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// BlindIndexer derives deterministic lookup tokens for encrypted fields. The
// key must differ from the encryption key.
type BlindIndexer struct {
	key []byte
}

func NewBlindIndexer(key []byte) (*BlindIndexer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("blind index: key must be at least 32 bytes, got %d", len(key))
	}
	return &BlindIndexer{key: key}, nil
}

// NewBlindIndexerFromHex decodes a hex key, as read from PHI_BLIND_INDEX_KEY.
func NewBlindIndexerFromHex(key string) (*BlindIndexer, error) {
	b, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("PHI_BLIND_INDEX_KEY is not valid hex: %w", err)
	}
	return NewBlindIndexer(b)
}

// Index returns HMAC-SHA256 over the normalized parts, hex encoded. Parts are
// trimmed and lower-cased, so "Smith" and " smith" collide by intent.
func (b *BlindIndexer) Index(parts ...string) string {
	mac := hmac.New(sha256.New, b.key)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
