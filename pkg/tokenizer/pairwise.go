package tokenizer

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// PairwiseToken is the per-(internalId, requester) random value returned
// on first resolution and repeated on subsequent resolutions by the same
// requester.
type PairwiseToken struct {
	InternalID []byte
	Requester  string
	Value      []byte
	Expires    *time.Time
	Created    time.Time
	Updated    time.Time
}

// PairwiseTokenStore persists PairwiseToken records keyed by the unique
// (internalId, requester) pair.
type PairwiseTokenStore interface {
	// Get returns the pairwise token for (internalID, requester), or
	// ErrNotFound.
	Get(ctx context.Context, internalID []byte, requester string) (PairwiseToken, error)

	// Refresh conditionally advances expires via max-semantics on the
	// record keyed by (internalID, requester). Returns ErrNotFound if no
	// such record exists.
	Refresh(ctx context.Context, internalID []byte, requester string, newExpires *time.Time) (PairwiseToken, error)

	// Insert inserts tok. Returns ErrDuplicate on a compound-key
	// conflict.
	Insert(ctx context.Context, tok PairwiseToken) error

	// ResolveByValue looks up a pairwise token by its value. Returns
	// ErrNotAllowed if the store was not configured with the reverse
	// index.
	ResolveByValue(ctx context.Context, value []byte) (PairwiseToken, error)
}

func randomPairwiseValue() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("tokenizer: generate pairwise value: %w", err)
	}
	return b, nil
}

// getPairwiseToken implements plain lookup.
func (e *engine) getPairwiseToken(ctx context.Context, internalID []byte, requester string) (PairwiseToken, error) {
	return e.pairwise.Get(ctx, internalID, requester)
}

// resolvePairwiseToken implements reverse lookup by value.
func (e *engine) resolvePairwiseToken(ctx context.Context, value []byte) (PairwiseToken, error) {
	return e.pairwise.ResolveByValue(ctx, value)
}

// upsertPairwiseToken refreshes the existing token for (internalID,
// requester) if one exists, or mints a fresh one. Firing a refresh and an
// insert concurrently isn't needed here since Refresh already tells us
// whether a record exists; on ErrNotFound we insert, and if a concurrent
// resolver inserted first (a duplicate conflict) we return its record via
// Get instead of inserting again.
func (e *engine) upsertPairwiseToken(ctx context.Context, internalID []byte, requester string, expires *time.Time) (PairwiseToken, error) {
	tok, err := e.pairwise.Refresh(ctx, internalID, requester, expires)
	if err == nil {
		return tok, nil
	}
	if !isNotFound(err) {
		return PairwiseToken{}, fmt.Errorf("tokenizer: upsert pairwise token: refresh: %w", err)
	}

	value, err := randomPairwiseValue()
	if err != nil {
		return PairwiseToken{}, err
	}
	now := time.Now()
	tok = PairwiseToken{
		InternalID: internalID,
		Requester:  requester,
		Value:      value,
		Expires:    expires,
		Created:    now,
		Updated:    now,
	}
	if err := e.pairwise.Insert(ctx, tok); err != nil {
		if isDuplicate(err) {
			existing, gerr := e.pairwise.Get(ctx, internalID, requester)
			if gerr != nil {
				return PairwiseToken{}, fmt.Errorf("tokenizer: upsert pairwise token: get after duplicate: %w", gerr)
			}
			return existing, nil
		}
		return PairwiseToken{}, fmt.Errorf("tokenizer: upsert pairwise token: insert: %w", err)
	}
	return tok, nil
}
