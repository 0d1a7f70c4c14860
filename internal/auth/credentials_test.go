package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashClientSecretRoundTrip(t *testing.T) {
	hash, err := HashClientSecret("correct horse battery staple")
	require.NoError(t, err)

	parts := strings.SplitN(hash, ":", 2)
	require.Len(t, parts, 2)
	require.Len(t, parts[0], argon2SaltLen*2, "salt is hex encoded")
	require.Len(t, parts[1], argon2KeyLen*2, "key is hex encoded")

	require.True(t, verifySecretHash("correct horse battery staple", hash))
	require.False(t, verifySecretHash("incorrect horse", hash))
}

func TestHashClientSecretSaltsDiffer(t *testing.T) {
	a, err := HashClientSecret("same input")
	require.NoError(t, err)
	b, err := HashClientSecret("same input")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "each hash gets a fresh salt")

	require.True(t, verifySecretHash("same input", a))
	require.True(t, verifySecretHash("same input", b))
}
