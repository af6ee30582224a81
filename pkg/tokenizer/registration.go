package tokenizer

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// RegistrationExpectation disambiguates the three-valued "newRegistration"
// signal: callers that know whether a registration already exists can
// skip the optimistic refresh-then-insert race entirely.
type RegistrationExpectation int

const (
	// Unknown runs the full optimistic refresh-then-insert protocol.
	Unknown RegistrationExpectation = iota
	// ExpectedExisting skips straight to the refresh path.
	ExpectedExisting
	// ExpectedNew skips straight to the insert path.
	ExpectedNew
)

// Registration is one (externalIdHash, documentHash) record.
type Registration struct {
	InternalID      []byte
	ExternalIDHash  []byte
	DocumentHash    []byte
	TokenizerID     string
	JWE             []byte
	CreatorHash     [][]byte
	Expires         time.Time
	Created         time.Time
	Updated         time.Time
}

// RegistrationStore persists Registration records keyed by the unique
// compound (externalIdHash, documentHash) pair.
type RegistrationStore interface {
	// Get returns the registration for (externalIDHash, documentHash), or
	// ErrNotFound.
	Get(ctx context.Context, externalIDHash, documentHash []byte) (Registration, error)

	// Refresh conditionally advances expires via max-semantics and adds
	// creatorHash (if non-nil) to the creator set, on the record keyed by
	// (externalIDHash, documentHash). Returns ErrNotFound if no such
	// record exists.
	Refresh(ctx context.Context, externalIDHash, documentHash []byte, newExpires time.Time, creatorHash []byte) (Registration, error)

	// Insert inserts reg. Returns ErrDuplicate on a compound-key conflict.
	Insert(ctx context.Context, reg Registration) error

	// AdvanceExpires advances via max-semantics the expires of every
	// registration owned by internalID, so a batch created with a TTL
	// longer than the registration's original one pulls the
	// registration's expiry forward with it. Returns ErrNotFound if
	// internalID owns no registration yet; callers should treat that as
	// a no-op, since tokens can be created before any document is
	// registered.
	AdvanceExpires(ctx context.Context, internalID []byte, newExpires time.Time) error
}

// DocumentEncryptor is the external content-encryption collaborator spec
// §1/§4.7 delegates to. Implementations treat recipients as opaque
// key-agreement parameters; the core never inspects the result.
type DocumentEncryptor interface {
	// Encrypt produces an opaque encrypted envelope for plaintext, nested
	// once per entry in recipientChain (innermost first).
	Encrypt(ctx context.Context, plaintext []byte, recipientChain [][]byte) ([]byte, error)
}

// registerDocumentOptions configures registerDocument.
type registerDocumentOptions struct {
	ExternalID                string
	Document                  []byte
	RecipientChain            [][]byte
	TTL                       time.Duration
	Creator                   string
	MinAssuranceForResolution int
	NewRegistration           RegistrationExpectation
	InternalID                []byte
}

func (o registerDocumentOptions) validate() error {
	if o.ExternalID == "" {
		return InvalidArgument("externalId", "must not be empty")
	}
	if len(o.Document) == 0 {
		return InvalidArgument("document", "must not be empty")
	}
	if len(o.RecipientChain) == 0 {
		return InvalidArgument("recipients", "must not be empty")
	}
	if o.InternalID != nil && len(o.InternalID) != 16 {
		return InvalidArgument("internalId", "must be 16 bytes")
	}
	return nil
}

// registerDocument implements: hash the external id and
// document, optimistically refresh an existing registration, and fall
// back to inserting a new one, coupling the owning entity's TTL via
// max-semantics as it goes.
func (e *engine) registerDocument(ctx context.Context, opts registerDocumentOptions) (Registration, error) {
	if err := opts.validate(); err != nil {
		return Registration{}, err
	}

	tokenizerID, err := e.provider.CurrentTokenizerID(ctx)
	if err != nil {
		return Registration{}, fmt.Errorf("tokenizer: register document: %w", err)
	}
	signer, err := e.provider.Signer(ctx, tokenizerID)
	if err != nil {
		return Registration{}, fmt.Errorf("tokenizer: register document: %w", err)
	}

	externalIDHash, documentHash, err := e.hashRegistrationKeys(ctx, signer, opts.ExternalID, opts.Document)
	if err != nil {
		return Registration{}, err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	newExpires := time.Now().Add(ttl)

	var creatorHash []byte
	if opts.Creator != "" {
		creatorHash, err = signer.Sign(ctx, []byte(opts.Creator))
		if err != nil {
			return Registration{}, fmt.Errorf("tokenizer: register document: hash creator: %w", err)
		}
	}

	if opts.NewRegistration != ExpectedNew {
		reg, err := e.registrations.Refresh(ctx, externalIDHash, documentHash, newExpires, creatorHash)
		if err == nil {
			if opts.InternalID != nil && !bytesEqual(reg.InternalID, opts.InternalID) {
				return Registration{}, fmt.Errorf("tokenizer: register document: %w: internalId mismatch on refresh", ErrInvalidState)
			}
			if _, uerr := e.entities.Upsert(ctx, Entity{InternalID: reg.InternalID, Expires: newExpires}); uerr != nil {
				return Registration{}, fmt.Errorf("tokenizer: register document: advance entity expiry: %w", uerr)
			}
			return reg, nil
		}
		if !isNotFound(err) {
			return Registration{}, fmt.Errorf("tokenizer: register document: refresh: %w", err)
		}
		if opts.NewRegistration == ExpectedExisting {
			return Registration{}, fmt.Errorf("tokenizer: register document: %w: expected existing registration", ErrNotFound)
		}
	}

	internalID := opts.InternalID
	if internalID == nil {
		internalID, err = randomInternalID()
		if err != nil {
			return Registration{}, err
		}
	}

	jwe, err := e.encryptor.Encrypt(ctx, opts.Document, opts.RecipientChain)
	if err != nil {
		return Registration{}, fmt.Errorf("tokenizer: register document: encrypt: %w", err)
	}

	reg := Registration{
		InternalID:     internalID,
		ExternalIDHash: externalIDHash,
		DocumentHash:   documentHash,
		TokenizerID:    tokenizerID,
		JWE:            jwe,
		Expires:        newExpires,
		Created:        time.Now(),
		Updated:        time.Now(),
	}
	if creatorHash != nil {
		reg.CreatorHash = [][]byte{creatorHash}
	}

	if _, err := e.entities.Upsert(ctx, Entity{InternalID: internalID, Expires: newExpires, MinAssuranceForResolution: defaultMinAssuranceOrGiven(opts.MinAssuranceForResolution)}); err != nil {
		return Registration{}, fmt.Errorf("tokenizer: register document: upsert entity: %w", err)
	}

	if err := e.registrations.Insert(ctx, reg); err != nil {
		if isDuplicate(err) {
			refreshed, rerr := e.registrations.Refresh(ctx, externalIDHash, documentHash, newExpires, creatorHash)
			if rerr != nil {
				return Registration{}, fmt.Errorf("tokenizer: register document: refresh after duplicate: %w", rerr)
			}
			return refreshed, nil
		}
		return Registration{}, fmt.Errorf("tokenizer: register document: insert: %w", err)
	}
	return reg, nil
}

func defaultMinAssuranceOrGiven(v int) int {
	if v == 0 {
		return defaultMinAssuranceForResolution
	}
	return v
}

func (e *engine) hashRegistrationKeys(ctx context.Context, signer HmacSigner, externalID string, document []byte) (externalIDHash, documentHash []byte, err error) {
	externalIDHash, err = signer.Sign(ctx, []byte(externalID))
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizer: hash external id: %w", err)
	}
	documentHash, err = signer.Sign(ctx, document)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizer: hash document: %w", err)
	}
	return prefixMultihashSHA256(externalIDHash), prefixMultihashSHA256(documentHash), nil
}

func randomInternalID() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("tokenizer: generate internal id: %w", err)
	}
	return b, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
