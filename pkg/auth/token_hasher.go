package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// TokenHasher derives deterministic, salted hashes for operator tokens.
type TokenHasher struct {
	salt []byte
}

// NewTokenHasher constructs a hasher with the provided salt bytes.
func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// NewRandomTokenHasher salts with fresh random bytes; hashes are only
// comparable within one process.
func NewRandomTokenHasher() (TokenHasher, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return TokenHasher{}, err
	}
	return NewTokenHasher(salt), nil
}

// HashString hashes the given token using HMAC-SHA256 and returns a base64 string.
func (h TokenHasher) HashString(token string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Matcher compares presented tokens against one expected token by hash, so
// comparisons always run over equal-length inputs.
type Matcher struct {
	hasher   TokenHasher
	expected string
}

func NewMatcher(hasher TokenHasher, token string) Matcher {
	return Matcher{hasher: hasher, expected: hasher.HashString(token)}
}

func (m Matcher) Match(presented string) bool {
	if presented == "" {
		return false
	}
	return SecureCompare(m.hasher.HashString(presented), m.expected)
}
