package tokenizer

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
)

// envelopeType is the stable outer tag every token envelope carries.
const envelopeType = "ConcealedIdToken"

// Token is an opaque, authenticated, key-wrapped byte string. Callers
// transport it as-is; only the engine's Parse understands its structure.
type Token []byte

// String returns a base58-printable form of the token, convenient for
// logging or embedding in URLs. It is not the canonical wire format — the
// raw bytes are.
func (t Token) String() string {
	return base58.Encode(t)
}

// tokenEnvelope is the tagged document a token is serialized into. Only
// payload is authenticated by the wrap; meta carries the cleartext
// attributes so callers can inspect them without unwrapping.
type tokenEnvelope struct {
	Type    string `cbor:"type"`
	Payload string `cbor:"payload"`
	Meta    string `cbor:"meta,omitempty"`
}

// parsedToken is the result of successfully parsing and authenticating a
// Token.
type parsedToken struct {
	Version     uint16
	BatchID     []byte
	Index       byte
	Attributes  []byte
	TokenizerID string
}

func roundUpMultOf8(n int) int {
	return (n + 7) / 8 * 8
}

// wrapInputLength returns the smallest multiple of 8 that is >= 24 and
// >= base, per the padding rule.
func wrapInputLength(base int) int {
	n := roundUpMultOf8(base)
	if n < 24 {
		n = 24
	}
	return n
}

func deriveKEK(ctx context.Context, signer HmacSigner, version uint16, salt []byte) ([]byte, error) {
	msg := make([]byte, 2+len(salt))
	binary.BigEndian.PutUint16(msg[:2], version)
	copy(msg[2:], salt)

	mac, err := signer.Sign(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: derive KEK: %w", err)
	}
	if len(mac) < 32 {
		return nil, fmt.Errorf("tokenizer: derive KEK: signer returned %d bytes, need at least 32", len(mac))
	}
	return mac[:32], nil
}

// createToken manufactures a single token for (batchID, index, attrs)
// under bv, signed by signer. Callers are responsible for having resolved
// signer to the tokenizer that owns bv (§4.1/§4.3).
func createToken(ctx context.Context, signer HmacSigner, bv BatchVersion, batchID []byte, index byte, attrs []byte) (Token, error) {
	if len(batchID) != bv.Options.BatchIDSize {
		return nil, fmt.Errorf("tokenizer: create token: batch id is %d bytes, want %d", len(batchID), bv.Options.BatchIDSize)
	}

	salt := make([]byte, bv.Options.BatchSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("tokenizer: create token: generate salt: %w", err)
	}

	kek, err := deriveKEK(ctx, signer, bv.ID, salt)
	if err != nil {
		return nil, err
	}

	base := len(batchID) + 1 + len(attrs)
	total := wrapInputLength(base)
	padLen := total - base

	plaintext := make([]byte, 0, total)
	plaintext = append(plaintext, batchID...)
	plaintext = append(plaintext, index)
	plaintext = append(plaintext, attrs...)
	if padLen > 0 {
		pad := make([]byte, padLen)
		if _, err := rand.Read(pad); err != nil {
			return nil, fmt.Errorf("tokenizer: create token: generate padding: %w", err)
		}
		plaintext = append(plaintext, pad...)
	}

	wrapped, err := wrapKey(kek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create token: wrap: %w", err)
	}

	payload := make([]byte, 0, 2+len(salt)+len(wrapped))
	payload = binary.BigEndian.AppendUint16(payload, bv.ID)
	payload = append(payload, salt...)
	payload = append(payload, wrapped...)

	env := tokenEnvelope{
		Type:    envelopeType,
		Payload: base58.Encode(payload),
	}
	if len(attrs) > 0 {
		env.Meta = base58.Encode(attrs)
	}

	raw, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create token: encode envelope: %w", err)
	}
	return Token(raw), nil
}

// parseToken validates and decodes token, returning its logical fields.
// versionLookup resolves a batch-version id to its parameters; provider
// resolves the HMAC signer for the version's tokenizer. Any failure —
// malformed envelope, size mismatch, unknown version, key-wrap integrity
// failure, or an authenticated-attributes mismatch — is reported as
// ErrInvalidToken without distinguishing the cause to the caller.
func parseToken(ctx context.Context, versionLookup func(ctx context.Context, id uint16) (BatchVersion, error), provider TokenizerProvider, token Token) (parsedToken, error) {
	var env tokenEnvelope
	if err := cbor.Unmarshal(token, &env); err != nil {
		return parsedToken{}, fmt.Errorf("%w: malformed envelope: %v", ErrInvalidToken, err)
	}
	if env.Type != envelopeType {
		return parsedToken{}, fmt.Errorf("%w: unexpected envelope type %q", ErrInvalidToken, env.Type)
	}

	payload, err := base58.Decode(env.Payload)
	if err != nil {
		return parsedToken{}, fmt.Errorf("%w: malformed payload: %v", ErrInvalidToken, err)
	}
	if len(payload) < 2 {
		return parsedToken{}, fmt.Errorf("%w: payload too short", ErrInvalidToken)
	}

	var clearAttrs []byte
	if env.Meta != "" {
		clearAttrs, err = base58.Decode(env.Meta)
		if err != nil {
			return parsedToken{}, fmt.Errorf("%w: malformed meta: %v", ErrInvalidToken, err)
		}
	}

	version := binary.BigEndian.Uint16(payload[:2])
	bv, err := versionLookup(ctx, version)
	if err != nil {
		return parsedToken{}, fmt.Errorf("%w: unknown batch version %d: %v", ErrInvalidToken, version, err)
	}

	saltSize := bv.Options.BatchSaltSize
	if len(payload) < 2+saltSize {
		return parsedToken{}, fmt.Errorf("%w: payload shorter than salt", ErrInvalidToken)
	}
	salt := payload[2 : 2+saltSize]
	wrapped := payload[2+saltSize:]

	expectedBase := bv.Options.BatchIDSize + 1 + len(clearAttrs)
	expectedWrapLen := wrapInputLength(expectedBase) + 8
	if len(wrapped) != expectedWrapLen {
		return parsedToken{}, fmt.Errorf("%w: wrapped length %d, want %d", ErrInvalidToken, len(wrapped), expectedWrapLen)
	}

	signer, err := provider.Signer(ctx, bv.TokenizerID)
	if err != nil {
		return parsedToken{}, fmt.Errorf("%w: resolve tokenizer %q: %v", ErrInvalidToken, bv.TokenizerID, err)
	}

	kek, err := deriveKEK(ctx, signer, version, salt)
	if err != nil {
		return parsedToken{}, fmt.Errorf("%w: derive KEK: %v", ErrInvalidToken, err)
	}

	plaintext, err := unwrapKey(kek, wrapped)
	if err != nil {
		return parsedToken{}, fmt.Errorf("%w: unwrap: %v", ErrInvalidToken, err)
	}

	batchID := plaintext[:bv.Options.BatchIDSize]
	index := plaintext[bv.Options.BatchIDSize]
	rest := plaintext[bv.Options.BatchIDSize+1:]
	wrappedAttrs := rest[:len(clearAttrs)]

	if subtle.ConstantTimeCompare(wrappedAttrs, clearAttrs) != 1 {
		return parsedToken{}, fmt.Errorf("%w: attribute mismatch", ErrInvalidToken)
	}

	out := parsedToken{
		Version:     version,
		BatchID:     append([]byte(nil), batchID...),
		Index:       index,
		Attributes:  append([]byte(nil), clearAttrs...),
		TokenizerID: bv.TokenizerID,
	}
	return out, nil
}
