package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSecretShapeAndUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := GenerateSecret()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(s, SecretPrefix))

		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, SecretPrefix))
		require.NoError(t, err)
		require.Len(t, raw, 24)

		require.False(t, seen[s], "duplicate secret")
		seen[s] = true
	}
}

func TestCheckAgentSecretFailsClosed(t *testing.T) {
	require.True(t, CheckAgentSecret("sk_abc", "sk_abc"))
	require.False(t, CheckAgentSecret("sk_abc", "sk_abd"))
	require.False(t, CheckAgentSecret("", ""))
	require.False(t, CheckAgentSecret("", "sk_abc"))
	require.False(t, CheckAgentSecret("sk_abc", ""))
}

func TestMatcher(t *testing.T) {
	hasher, err := NewRandomTokenHasher()
	require.NoError(t, err)
	m := NewMatcher(hasher, "operator-token-123")

	require.True(t, m.Match("operator-token-123"))
	require.False(t, m.Match("operator-token-124"))
	require.False(t, m.Match(""))
}

func TestTokenHasherDeterministic(t *testing.T) {
	h := NewTokenHasher([]byte("salt"))
	require.Equal(t, h.HashString("x"), h.HashString("x"))
	require.NotEqual(t, h.HashString("x"), NewTokenHasher([]byte("other")).HashString("x"))
}
