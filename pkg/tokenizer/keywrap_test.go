package tokenizer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyWrapRoundTrip(t *testing.T) {
	kek := bytes.Repeat([]byte{0x42}, 32)
	plaintext := bytes.Repeat([]byte{0x11}, 24)

	wrapped, err := wrapKey(kek, plaintext)
	require.NoError(t, err)
	require.Len(t, wrapped, len(plaintext)+8)

	unwrapped, err := unwrapKey(kek, wrapped)
	require.NoError(t, err)
	require.Equal(t, plaintext, unwrapped)
}

func TestKeyWrapDetectsTamper(t *testing.T) {
	kek := bytes.Repeat([]byte{0x77}, 32)
	plaintext := bytes.Repeat([]byte{0x01}, 16)

	wrapped, err := wrapKey(kek, plaintext)
	require.NoError(t, err)
	wrapped[len(wrapped)-1] ^= 0xFF

	_, err = unwrapKey(kek, wrapped)
	require.Error(t, err)
}

func TestKeyWrapRejectsShortInput(t *testing.T) {
	kek := bytes.Repeat([]byte{0x01}, 32)
	_, err := wrapKey(kek, []byte{0x01, 0x02})
	require.Error(t, err)
}
