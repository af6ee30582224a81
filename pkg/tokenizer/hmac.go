package tokenizer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// HmacSigner is the capability the engine uses to derive per-token key
// encryption keys and to hash external ids / documents. It stands in for
// an external KMS: callers pass an explicit capability object instead of
// threading an ambient HMAC interface or relying on a global singleton.
type HmacSigner interface {
	// Sign returns HMAC_K(data) for the key this signer was bound to at
	// construction time. Implementations must be deterministic for a
	// given key and input.
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// TokenizerProvider resolves the HMAC signer for a tokenizer id, and
// reports which tokenizer id is "current" for new batch-version
// allocation. It is the engine's only dependency on the external KMS.
type TokenizerProvider interface {
	// CurrentTokenizerID returns the tokenizer id that new batch versions
	// should be allocated against.
	CurrentTokenizerID(ctx context.Context) (string, error)

	// Signer returns the signer bound to tokenizerID. Implementations
	// should cache signers internally; the engine calls this on every
	// token operation.
	Signer(ctx context.Context, tokenizerID string) (HmacSigner, error)
}

// hmacSHA256Signer is a minimal HmacSigner over crypto/hmac + crypto/sha256.
// It is meant for local development and the engine's test suite:
// production deployments bind TokenizerProvider to an external KMS that
// never lets the raw key leave the HSM/KMS boundary.
type hmacSHA256Signer struct {
	tokenizerID string
	key         []byte
}

// NewHMACSHA256Signer returns an HmacSigner backed by an in-process key.
// key must be non-empty; short keys are accepted but weaken the key-wrap
// derivation in §4.1.
func NewHMACSHA256Signer(tokenizerID string, key []byte) (HmacSigner, error) {
	if len(key) == 0 {
		return nil, InvalidArgument("key", "must not be empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &hmacSHA256Signer{tokenizerID: tokenizerID, key: k}, nil
}

func (s *hmacSHA256Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: sign: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// StaticTokenizerProvider is a TokenizerProvider with a single fixed
// tokenizer id and signer, suitable for single-tenant deployments, local
// development, and tests.
type StaticTokenizerProvider struct {
	tokenizerID string
	signer      HmacSigner
}

// NewStaticTokenizerProvider returns a TokenizerProvider that always
// resolves to tokenizerID/signer.
func NewStaticTokenizerProvider(tokenizerID string, signer HmacSigner) *StaticTokenizerProvider {
	return &StaticTokenizerProvider{tokenizerID: tokenizerID, signer: signer}
}

func (p *StaticTokenizerProvider) CurrentTokenizerID(ctx context.Context) (string, error) {
	return p.tokenizerID, nil
}

func (p *StaticTokenizerProvider) Signer(ctx context.Context, tokenizerID string) (HmacSigner, error) {
	if tokenizerID != p.tokenizerID {
		return nil, fmt.Errorf("tokenizer: %w: unknown tokenizer id %q", ErrNotFound, tokenizerID)
	}
	return p.signer, nil
}
