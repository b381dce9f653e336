package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAdminSecret returns a random admin secret and its bcrypt hash.
// Only the hash is meant to be configured on the server.
func GenerateAdminSecret() (secret, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate admin secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash admin secret: %w", err)
	}
	return secret, string(h), nil
}

// VerifyAdminSecret checks secret against a bcrypt hash.
func VerifyAdminSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
