package tokenizer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestChaCha20Poly1305EncryptorRejectsEmptyRecipients(t *testing.T) {
	enc := NewChaCha20Poly1305Encryptor()
	_, err := enc.Encrypt(context.Background(), []byte("plaintext"), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChaCha20Poly1305EncryptorNestsPerRecipient(t *testing.T) {
	enc := NewChaCha20Poly1305Encryptor()
	plaintext := []byte("sensitive document contents")
	keyA := bytes.Repeat([]byte{0x01}, 32)
	keyB := bytes.Repeat([]byte{0x02}, 32)

	sealed, err := enc.Encrypt(context.Background(), plaintext, [][]byte{keyA, keyB})
	require.NoError(t, err)

	// Recipients are applied innermost first, so the outermost seal must
	// be opened with keyB.
	opened, err := openChaCha(keyB, sealed)
	require.NoError(t, err)
	inner, err := openChaCha(keyA, opened)
	require.NoError(t, err)
	require.Equal(t, plaintext, inner)

	_, err = openChaCha(keyA, sealed)
	require.Error(t, err)
}

func openChaCha(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(normalizeKey(key))
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed envelope shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
