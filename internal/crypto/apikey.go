package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix marks every credential issued by the service.
	APIKeyPrefix = "dd_key_"

	apiKeyBytes = 32

	// APIKeyLength is the full length of an issued key.
	APIKeyLength = len(APIKeyPrefix) + 2*apiKeyBytes
)

var (
	ErrMissingCredential   = errors.New("missing Authorization header")
	ErrMalformedCredential = errors.New("malformed bearer credential")
)

// KeyHasher derives the stored form of an API key. With a pepper the
// derivation is HMAC-SHA256 keyed by it; without one it is plain
// SHA-256. The derivation is deterministic so it doubles as the lookup
// key.
type KeyHasher struct {
	pepper []byte
}

// NewKeyHasher creates a hasher using the given server-side pepper.
func NewKeyHasher(pepper string) *KeyHasher {
	return &KeyHasher{pepper: []byte(pepper)}
}

// Hash returns the hex derivation of key.
func (h *KeyHasher) Hash(key string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateAPIKey returns a new plaintext key and its derivation.
func (h *KeyHasher) GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)
	return key, h.Hash(key), nil
}

// ParseBearer extracts the API key from an Authorization header value.
// The scheme is matched case-insensitively; the key must have the
// issued shape.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedCredential
	}
	token = strings.TrimSpace(token)
	if !ValidAPIKeyShape(token) {
		return "", ErrMalformedCredential
	}
	return token, nil
}

// ValidAPIKeyShape reports whether key looks like an issued key.
func ValidAPIKeyShape(key string) bool {
	if len(key) != APIKeyLength || !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	for _, c := range key[len(APIKeyPrefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
