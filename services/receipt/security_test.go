package receipt

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestComputeHashDeterministic(t *testing.T) {
	a := ComputeHash(testSecret, "r1", "d1")
	require.Equal(t, a, ComputeHash(testSecret, "r1", "d1"))
	require.Len(t, a, 64)
	require.NotEqual(t, a, ComputeHash(testSecret, "r1", "d2"))
	require.NotEqual(t, a, ComputeHash([]byte("another-secret-another-secret-xx"), "r1", "d1"))
}

func TestVerifyHashRejectsEverySingleBitFlip(t *testing.T) {
	hash := ComputeHash(testSecret, "1850000000000000001", "1850000000000000000")
	require.True(t, VerifyHash(testSecret, "1850000000000000001", "1850000000000000000", hash))

	raw, err := hex.DecodeString(hash)
	require.NoError(t, err)
	for i := 0; i < len(raw)*8; i++ {
		flipped := append([]byte(nil), raw...)
		flipped[i/8] ^= 1 << (i % 8)
		require.False(t, VerifyHash(testSecret, "1850000000000000001", "1850000000000000000", hex.EncodeToString(flipped)), "bit %d", i)
	}
}

func TestVerifyHashRejectsMalformed(t *testing.T) {
	require.False(t, VerifyHash(testSecret, "r1", "d1", ""))
	require.False(t, VerifyHash(testSecret, "r1", "d1", "zz"))
}
