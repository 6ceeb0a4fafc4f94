package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTokenIsUniqueAndNonEmpty(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	require.NotEmpty(t, a)

	b, err := GenerateToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashTokenIsDeterministicAndPepperSensitive(t *testing.T) {
	h1 := HashToken("secret", "pepper-a")
	h2 := HashToken("secret", "pepper-a")
	h3 := HashToken("secret", "pepper-b")

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
}

func TestConstantTimeHashEquals(t *testing.T) {
	h := HashToken("secret", "pepper")
	require.True(t, ConstantTimeHashEquals(h, h))
	require.False(t, ConstantTimeHashEquals(h, HashToken("other", "pepper")))
}
