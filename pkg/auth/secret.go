package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// SecretPrefix marks agent bearer secrets so they are recognisable in logs and configs.
const SecretPrefix = "sk_"

const secretEntropyBytes = 24

// GenerateSecret returns a new agent secret with 24 bytes of entropy,
// URL-safe encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// SecureCompare reports whether a and b are equal without leaking timing on content.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckAgentSecret validates a presented secret against the stored one.
// A blank stored or presented secret never matches.
func CheckAgentSecret(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return SecureCompare(stored, presented)
}
