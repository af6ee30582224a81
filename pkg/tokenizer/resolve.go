package tokenizer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ResolveResult is the outcome of a successful resolveToPairwise call
//.
type ResolveResult struct {
	PairwiseToken             []byte
	InternalID                []byte
	IsUnpinned                bool
	MinAssuranceForResolution int
}

// resolveOptions configures resolveToPairwise.
type resolveOptions struct {
	Requester                      string
	Token                          Token
	LevelOfAssurance               int
	AllowResolvedInvalidatedTokens bool
}

func encodeRequester(requester string) string {
	return base64.URLEncoding.EncodeToString([]byte(requester))
}

func (e *engine) parse(ctx context.Context, token Token) (parsedToken, error) {
	return parseToken(ctx, e.versions.Get, e.provider, token)
}

// resolveToPairwise implements: parse, fetch the batch, enforce
// duplicate-resolve / invalidation / assurance checks, mark the token
// resolved on first use, and return a stable per-requester pairwise value.
func (e *engine) resolveToPairwise(ctx context.Context, opts resolveOptions) (ResolveResult, error) {
	if opts.Requester == "" {
		return ResolveResult{}, InvalidArgument("requester", "must not be empty")
	}

	pt, err := e.parse(ctx, opts.Token)
	if err != nil {
		return ResolveResult{}, err
	}

	batch, err := e.batches.Get(ctx, pt.BatchID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("tokenizer: resolve to pairwise: %w", err)
	}
	isUnpinned := batch.isUnpinned()

	var entity Entity
	var entityErrCh chan error
	if isUnpinned {
		entityErrCh = make(chan error, 1)
		go func() {
			ent, err := e.entities.Get(ctx, batch.InternalID)
			entity = ent
			entityErrCh <- err
		}()
	}

	encodedRequester := encodeRequester(opts.Requester)
	index := int(pt.Index)

	alreadyResolved := batch.ResolvedList.Test(index)
	requesterBits, requesterHasEntry := batch.Resolution[encodedRequester]

	if alreadyResolved {
		if requesterHasEntry && requesterBits.Test(index) {
			if isUnpinned {
				if err := <-entityErrCh; err != nil && !isNotFound(err) {
					return ResolveResult{}, fmt.Errorf("tokenizer: resolve to pairwise: fetch entity: %w", err)
				}
				if batch.BatchInvalidationCount != entity.BatchInvalidationCount && !opts.AllowResolvedInvalidatedTokens {
					return ResolveResult{}, NotAllowed(ReasonInvalidated)
				}
			}
			tok, err := e.getPairwiseToken(ctx, batch.InternalID, opts.Requester)
			if err == nil {
				return ResolveResult{PairwiseToken: tok.Value, InternalID: batch.InternalID, IsUnpinned: isUnpinned, MinAssuranceForResolution: e.effectiveMinAssurance(batch, entity, isUnpinned)}, nil
			}
			if !isNotFound(err) {
				return ResolveResult{}, fmt.Errorf("tokenizer: resolve to pairwise: %w", err)
			}
			tok2, err := e.upsertPairwiseToken(ctx, batch.InternalID, opts.Requester, batchExpiresPtr(batch))
			if err != nil {
				return ResolveResult{}, err
			}
			return ResolveResult{PairwiseToken: tok2.Value, InternalID: batch.InternalID, IsUnpinned: isUnpinned, MinAssuranceForResolution: e.effectiveMinAssurance(batch, entity, isUnpinned)}, nil
		}
		if isUnpinned {
			<-entityErrCh
		}
		return ResolveResult{}, NotAllowed(ReasonAlreadyUsed)
	}

	if isUnpinned {
		if err := <-entityErrCh; err != nil && !isNotFound(err) {
			return ResolveResult{}, fmt.Errorf("tokenizer: resolve to pairwise: fetch entity: %w", err)
		}
		if batch.BatchInvalidationCount != entity.BatchInvalidationCount && !opts.AllowResolvedInvalidatedTokens {
			return ResolveResult{}, NotAllowed(ReasonInvalidated)
		}
	}

	var pairwiseTok PairwiseToken
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.markResolved(gctx, &batch, index, encodedRequester)
	})
	g.Go(func() error {
		tok, err := e.upsertPairwiseToken(gctx, batch.InternalID, opts.Requester, batchExpiresPtr(batch))
		if err != nil {
			return err
		}
		pairwiseTok = tok
		return nil
	})
	if err := g.Wait(); err != nil {
		return ResolveResult{}, err
	}

	effectiveMin := e.effectiveMinAssurance(batch, entity, isUnpinned)
	if opts.LevelOfAssurance < effectiveMin && !opts.AllowResolvedInvalidatedTokens {
		if isUnpinned {
			_ = e.entities.RecordAssuranceFailure(ctx, batch.InternalID, AssuranceFailure{
				BatchID:                batch.ID,
				BatchInvalidationCount: batch.BatchInvalidationCount,
				Date:                   time.Now(),
			})
		}
		return ResolveResult{}, NotAllowed(ReasonAssuranceTooLow)
	}

	return ResolveResult{
		PairwiseToken:             pairwiseTok.Value,
		InternalID:                batch.InternalID,
		IsUnpinned:                isUnpinned,
		MinAssuranceForResolution: effectiveMin,
	}, nil
}

func (e *engine) effectiveMinAssurance(batch TokenBatch, entity Entity, isUnpinned bool) int {
	if isUnpinned {
		return entity.MinAssuranceForResolution
	}
	return batch.MinAssuranceForResolution
}

func batchExpiresPtr(batch TokenBatch) *time.Time {
	t := batch.Expires
	return &t
}

// markResolved implements the "atomic mark resolved" sub-step of spec
// §4.4 step 7: set the bit in both the per-requester and global
// bitstrings, retrying the whole read-modify-write against fresh batch
// state if a concurrent resolver raced the conditional update.
func (e *engine) markResolved(ctx context.Context, batch *TokenBatch, index int, encodedRequester string) error {
	current := *batch
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 7), ctx)

	err := backoff.Retry(func() error {
		observedResolvedList, err := current.ResolvedList.Marshal()
		if err != nil {
			return backoff.Permanent(err)
		}

		newGlobal := current.ResolvedList.Clone()
		newGlobal.Set(index)
		newGlobalBytes, err := newGlobal.Marshal()
		if err != nil {
			return backoff.Permanent(err)
		}

		requesterBits, ok := current.Resolution[encodedRequester]
		if !ok {
			requesterBits = newBitString()
		} else {
			requesterBits = requesterBits.Clone()
		}
		requesterBits.Set(index)
		newRequesterBytes, err := requesterBits.Marshal()
		if err != nil {
			return backoff.Permanent(err)
		}

		writeErr := e.batches.MarkResolved(ctx, current.ID, observedResolvedList, newGlobalBytes, encodedRequester, newRequesterBytes)
		if writeErr == nil {
			current.ResolvedList = newGlobal
			current.Resolution[encodedRequester] = requesterBits
			return nil
		}
		if !isInvalidState(writeErr) {
			return backoff.Permanent(fmt.Errorf("tokenizer: mark resolved: %w", writeErr))
		}

		fresh, gerr := e.batches.Get(ctx, current.ID)
		if gerr != nil {
			return backoff.Permanent(fmt.Errorf("tokenizer: mark resolved: refetch batch: %w", gerr))
		}
		current = fresh
		if current.ResolvedList.Test(index) {
			return nil
		}
		return writeErr
	}, policy)

	if err != nil {
		if isInvalidState(err) {
			return fmt.Errorf("tokenizer: mark resolved: %w: exhausted retries", ErrInvalidState)
		}
		return err
	}
	*batch = current
	return nil
}

// resolveToInternalID implements minimal form: parse + batch
// read, no resolution-state mutation.
func (e *engine) resolveToInternalID(ctx context.Context, token Token) ([]byte, error) {
	pt, err := e.parse(ctx, token)
	if err != nil {
		return nil, err
	}
	batch, err := e.batches.Get(ctx, pt.BatchID)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: resolve to internal id: %w", err)
	}
	return batch.InternalID, nil
}

// resolveToEntity implements: same rejection rules as
// resolveToPairwise but performs no resolved-list marking and returns the
// full entity record.
func (e *engine) resolveToEntity(ctx context.Context, token Token, allowInvalidatedTokens bool) (Entity, error) {
	pt, err := e.parse(ctx, token)
	if err != nil {
		return Entity{}, err
	}
	batch, err := e.batches.Get(ctx, pt.BatchID)
	if err != nil {
		return Entity{}, fmt.Errorf("tokenizer: resolve to entity: %w", err)
	}
	entity, err := e.entities.Get(ctx, batch.InternalID)
	if err != nil {
		return Entity{}, fmt.Errorf("tokenizer: resolve to entity: %w", err)
	}
	if batch.isUnpinned() && batch.BatchInvalidationCount != entity.BatchInvalidationCount && !allowInvalidatedTokens {
		return Entity{}, NotAllowed(ReasonInvalidated)
	}
	return entity, nil
}
