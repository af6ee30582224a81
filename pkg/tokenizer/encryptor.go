package tokenizer

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// chachaEncryptor is the engine's default DocumentEncryptor, standing in
// for an external JWE collaborator the core treats as opaque. Each entry
// in a recipient chain is itself a 32-byte symmetric key; the document
// is sealed once per entry, innermost recipient first, producing nested
// envelopes.
type chachaEncryptor struct{}

// NewChaCha20Poly1305Encryptor returns a DocumentEncryptor that seals a
// document once per recipient key in recipientChain using
// ChaCha20-Poly1305 AEAD, nesting innermost first. Production deployments
// bind DocumentEncryptor to the external JWE library that actually
// performs key agreement; this implementation exists for local
// development and tests.
func NewChaCha20Poly1305Encryptor() DocumentEncryptor {
	return chachaEncryptor{}
}

func (chachaEncryptor) Encrypt(ctx context.Context, plaintext []byte, recipientChain [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(recipientChain) == 0 {
		return nil, InvalidArgument("recipients", "must not be empty")
	}

	current := plaintext
	for _, key := range recipientChain {
		aead, err := chacha20poly1305.New(normalizeKey(key))
		if err != nil {
			return nil, fmt.Errorf("tokenizer: encrypt document: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("tokenizer: encrypt document: generate nonce: %w", err)
		}
		sealed := aead.Seal(nonce, nonce, current, nil)
		current = sealed
	}
	return current, nil
}

// normalizeKey truncates or zero-pads key to chacha20poly1305.KeySize so
// arbitrary-length recipient material can be used without a separate KDF
// step; real deployments should supply already-derived 32-byte keys.
func normalizeKey(key []byte) []byte {
	out := make([]byte, chacha20poly1305.KeySize)
	copy(out, key)
	return out
}
