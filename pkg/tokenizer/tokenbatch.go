package tokenizer

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	minTokenCount = 1
	maxTokenCount = 100
)

// defaultTokenCreationConcurrency bounds how many token-codec invocations
// run in parallel per createTokens call.
const defaultTokenCreationConcurrency = 5

// TokenBatch is one batch of tokens sharing a batch id, version, and
// resolution bookkeeping.
type TokenBatch struct {
	ID                        []byte
	InternalID                []byte
	BatchVersion              uint16
	ResolvedList              *bitString
	Resolution                map[string]*bitString // key: base64url(requester)
	MaxTokenCount             int
	RemainingTokenCount       int
	Expires                   time.Time
	BatchInvalidationCount    int
	MinAssuranceForResolution int // -1 == unpinned
	Created                   time.Time
	Updated                   time.Time
}

func (b TokenBatch) isUnpinned() bool {
	return b.MinAssuranceForResolution == -1
}

func (b TokenBatch) halfLifeExpired(now time.Time, ttl time.Duration) bool {
	return b.Expires.Sub(now) < ttl/2
}

// TokenBatchStore persists TokenBatch records with the conditional-update
// semantics the batch lifecycle depends on: a unique id,
// and a compare-and-swap on remainingTokenCount standing in for a
// transactional claim.
type TokenBatchStore interface {
	// Get returns the batch with id, or ErrNotFound if absent or expired.
	Get(ctx context.Context, id []byte) (TokenBatch, error)

	// Insert inserts batch, which must have a fresh id. Returns
	// ErrDuplicate on unique-key conflict.
	Insert(ctx context.Context, batch TokenBatch) error

	// ClaimTokens conditionally sets remainingTokenCount = observed -
	// claimed, requiring the stored id, internalId, and current
	// remainingTokenCount to equal id, internalID, observed. Returns
	// ErrInvalidState if the precondition failed (affected 0 rows).
	ClaimTokens(ctx context.Context, id, internalID []byte, observed, claimed int) error

	// MarkResolved conditionally replaces resolvedList and
	// resolution[encodedRequester] with newResolvedList and
	// newRequesterBits, requiring the stored resolvedList to
	// byte-equal observedResolvedList. Returns ErrInvalidState on
	// mismatch (another resolver raced).
	MarkResolved(ctx context.Context, id []byte, observedResolvedList []byte, newResolvedList []byte, encodedRequester string, newRequesterBits []byte) error
}

// randomBatchID returns a cryptographically random batch identifier of n
// bytes.
func randomBatchID(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("tokenizer: generate batch id: %w", err)
	}
	return b, nil
}

// createTokensOptions configures a createTokens call.
type createTokensOptions struct {
	InternalID                []byte
	Attributes                []byte
	TokenCount                int
	MinAssuranceForResolution int
	Concurrency               int

	// entitySnapshot, when non-nil, is a prior read of the owning entity
	// used to seed batchInvalidationCount on newly created batches
	// without an extra round trip.
	entitySnapshot *Entity
}

func (o createTokensOptions) validate() error {
	if len(o.InternalID) != 16 {
		return InvalidArgument("internalId", "must be 16 bytes")
	}
	if o.TokenCount < minTokenCount || o.TokenCount > maxTokenCount {
		return InvalidArgument("tokenCount", fmt.Sprintf("must be greater than 0 or less than or equal to %d", maxTokenCount))
	}
	return nil
}

// engine is the shared core every orchestrator operation runs against. It
// groups the stores and collaborators the engine depends on.
type engine struct {
	entities      EntityStore
	batches       TokenBatchStore
	registrations RegistrationStore
	pairwise      PairwiseTokenStore
	versions      *BatchVersionRegistry
	provider      TokenizerProvider
	encryptor     DocumentEncryptor

	tokenCreationConcurrency int
}

// createTokens implements: find-or-create an open batch for
// (internalId, minAssuranceForResolution), claim indices from it, and
// manufacture tokens for those indices, looping until tokenCount tokens
// have been issued.
func (e *engine) createTokens(ctx context.Context, opts createTokensOptions) ([]Token, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = e.tokenCreationConcurrency
		if concurrency <= 0 {
			concurrency = defaultTokenCreationConcurrency
		}
	}

	tokenizerID, err := e.provider.CurrentTokenizerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create tokens: %w", err)
	}
	bv, err := e.versions.Latest(ctx, tokenizerID)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create tokens: resolve batch version: %w", err)
	}
	signer, err := e.provider.Signer(ctx, tokenizerID)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create tokens: %w", err)
	}

	var allIndices []struct {
		batchID []byte
		index   int
	}

	target := opts.TokenCount
	issued := 0
	pinKey := pinLevelKey(opts.MinAssuranceForResolution)

	const maxLoopIterations = 2 * maxTokenCount
	for i := 0; issued < target; i++ {
		if i >= maxLoopIterations {
			return nil, fmt.Errorf("tokenizer: create tokens: exceeded retry bound")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, startIndex, claimed, err := e.findOrClaimBatch(ctx, opts.InternalID, pinKey, opts.MinAssuranceForResolution, bv, target-issued, opts.entitySnapshot)
		if err != nil {
			if isInvalidState(err) {
				continue
			}
			return nil, err
		}
		if claimed == 0 {
			continue
		}

		for idx := startIndex; idx < startIndex+claimed; idx++ {
			allIndices = append(allIndices, struct {
				batchID []byte
				index   int
			}{batchID: batch.ID, index: idx})
		}
		issued += claimed
	}

	tokens := make([]Token, len(allIndices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, ref := range allIndices {
		i, ref := i, ref
		g.Go(func() error {
			tok, err := createToken(gctx, signer, bv, ref.batchID, byte(ref.index), opts.Attributes)
			if err != nil {
				return err
			}
			tokens[i] = tok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tokenizer: create tokens: manufacture: %w", err)
	}
	return tokens, nil
}

// findOrClaimBatch runs one iteration of the find-or-create loop: it
// either claims indices from the entity's current open batch, or creates a
// new one, returning the batch, the first claimed index, and how many
// indices were claimed.
func (e *engine) findOrClaimBatch(ctx context.Context, internalID []byte, pinKey string, minAssurance int, bv BatchVersion, remaining int, entitySnapshot *Entity) (TokenBatch, int, int, error) {
	var entity Entity
	var err error
	if entitySnapshot != nil {
		entity = *entitySnapshot
	} else {
		entity, err = e.entities.Get(ctx, internalID)
		if err != nil && !isNotFound(err) {
			return TokenBatch{}, 0, 0, err
		}
	}

	if existingID, ok := entity.OpenBatch[pinKey]; ok && len(existingID) > 0 {
		batch, err := e.batches.Get(ctx, existingID)
		usable := err == nil && e.batchUsable(batch, bv, entity)
		if usable {
			claimed := min(batch.RemainingTokenCount, remaining)
			startIndex := batch.MaxTokenCount - batch.RemainingTokenCount
			claimErr := e.batches.ClaimTokens(ctx, batch.ID, internalID, batch.RemainingTokenCount, claimed)
			if claimErr != nil {
				if isInvalidState(claimErr) {
					return TokenBatch{}, 0, 0, claimErr
				}
				return TokenBatch{}, 0, 0, claimErr
			}
			if batch.RemainingTokenCount-claimed == 0 {
				_, _ = e.entities.ClearOpenBatch(ctx, internalID, pinKey, batch.ID)
			}
			return batch, startIndex, claimed, nil
		}
		if err == nil {
			_, _ = e.entities.ClearOpenBatch(ctx, internalID, pinKey, existingID)
		}
	}

	return e.createBatch(ctx, internalID, minAssurance, bv, remaining, entity)
}

func (e *engine) batchUsable(batch TokenBatch, bv BatchVersion, entity Entity) bool {
	if time.Now().After(batch.Expires) {
		return false
	}
	if batch.BatchVersion != bv.ID {
		return false
	}
	if batch.RemainingTokenCount == 0 {
		return false
	}
	if batch.isUnpinned() && batch.BatchInvalidationCount < entity.BatchInvalidationCount {
		return false
	}
	if batch.halfLifeExpired(time.Now(), bv.Options.ttl()) {
		return false
	}
	return true
}

// TokenBatchFields is the wire-shaped view of a TokenBatch a store
// implementation decodes into, with bitstrings left in their compressed
// serialized form. Store packages live outside this package and cannot
// construct a bitString directly, so UnmarshalTokenBatch performs that
// decompression step on their behalf.
type TokenBatchFields struct {
	ID                        []byte
	InternalID                []byte
	BatchVersion              uint16
	ResolvedListBytes         []byte
	ResolutionBytes           map[string][]byte
	MaxTokenCount             int
	RemainingTokenCount       int
	Expires                   time.Time
	BatchInvalidationCount    int
	MinAssuranceForResolution int
	Created                   time.Time
	Updated                   time.Time
}

// UnmarshalTokenBatch decompresses f's bitstring fields into a TokenBatch.
func UnmarshalTokenBatch(f TokenBatchFields) (TokenBatch, error) {
	resolvedList, err := unmarshalBitString(f.ResolvedListBytes)
	if err != nil {
		return TokenBatch{}, fmt.Errorf("tokenizer: unmarshal token batch: %w", err)
	}
	resolution := make(map[string]*bitString, len(f.ResolutionBytes))
	for k, v := range f.ResolutionBytes {
		bs, err := unmarshalBitString(v)
		if err != nil {
			return TokenBatch{}, fmt.Errorf("tokenizer: unmarshal token batch: resolution[%q]: %w", k, err)
		}
		resolution[k] = bs
	}
	return TokenBatch{
		ID:                        f.ID,
		InternalID:                f.InternalID,
		BatchVersion:              f.BatchVersion,
		ResolvedList:              resolvedList,
		Resolution:                resolution,
		MaxTokenCount:             f.MaxTokenCount,
		RemainingTokenCount:       f.RemainingTokenCount,
		Expires:                   f.Expires,
		BatchInvalidationCount:    f.BatchInvalidationCount,
		MinAssuranceForResolution: f.MinAssuranceForResolution,
		Created:                   f.Created,
		Updated:                   f.Updated,
	}, nil
}

func (e *engine) createBatch(ctx context.Context, internalID []byte, minAssurance int, bv BatchVersion, remaining int, entity Entity) (TokenBatch, int, int, error) {
	batchID, err := randomBatchID(bv.Options.BatchIDSize)
	if err != nil {
		return TokenBatch{}, 0, 0, err
	}

	maxTokens := bv.Options.MaxTokenCount
	claimed := min(remaining, maxTokens)

	now := time.Now()
	batch := TokenBatch{
		ID:                        batchID,
		InternalID:                internalID,
		BatchVersion:              bv.ID,
		ResolvedList:              newBitString(),
		Resolution:                map[string]*bitString{},
		MaxTokenCount:             maxTokens,
		RemainingTokenCount:       maxTokens - claimed,
		Expires:                   now.Add(bv.Options.ttl()),
		BatchInvalidationCount:    entity.BatchInvalidationCount,
		MinAssuranceForResolution: minAssurance,
		Created:                   now,
		Updated:                   now,
	}

	if err := e.batches.Insert(ctx, batch); err != nil {
		return TokenBatch{}, 0, 0, fmt.Errorf("tokenizer: create batch: %w", err)
	}

	pinKey := pinLevelKey(minAssurance)
	checkInvalidation := minAssurance < 0
	if err := e.entities.SetOpenBatch(ctx, internalID, pinKey, batchID, batch.Expires, entity.BatchInvalidationCount, checkInvalidation); err != nil && !isInvalidState(err) {
		return TokenBatch{}, 0, 0, fmt.Errorf("tokenizer: create batch: set open batch: %w", err)
	}
	if err := e.registrations.AdvanceExpires(ctx, internalID, batch.Expires); err != nil && !isNotFound(err) {
		return TokenBatch{}, 0, 0, fmt.Errorf("tokenizer: create batch: advance registration expiry: %w", err)
	}

	// A fresh batch always starts from a full remaining count, so the
	// first claim begins at index 0, not maxTokens-RemainingTokenCount
	// (which reflects the post-claim remaining and would skip ahead by
	// claimed).
	return batch, 0, claimed, nil
}
