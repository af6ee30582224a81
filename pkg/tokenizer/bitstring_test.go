package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitStringRoundTrip(t *testing.T) {
	b := newBitString()
	b.Set(0)
	b.Set(17)
	b.Set(255)

	raw, err := b.Marshal()
	require.NoError(t, err)

	got, err := unmarshalBitString(raw)
	require.NoError(t, err)

	for _, i := range []int{0, 17, 255} {
		require.Truef(t, got.Test(i), "bit %d: want set", i)
	}
	require.False(t, got.Test(1), "bit 1: want clear")
}

func TestBitStringUnmarshalEmpty(t *testing.T) {
	b, err := unmarshalBitString(nil)
	require.NoError(t, err)
	for i := 0; i < resolvedListWidth; i++ {
		require.Falsef(t, b.Test(i), "bit %d: want all-zero bitstring", i)
	}
}

func TestBitStringCloneIsIndependent(t *testing.T) {
	a := newBitString()
	a.Set(5)
	b := a.Clone()
	b.Set(6)

	require.False(t, a.Test(6), "mutating clone leaked back into original")
	require.True(t, b.Test(5), "clone lost original bit")
}
