package tokenizer

import (
	"context"
	"fmt"
	"time"
)

// setMinAssuranceOptions configures setMinAssuranceForResolution.
type setMinAssuranceOptions struct {
	Entity                              *Entity
	InternalID                          []byte
	NewLevel                            int
	RequireAssuranceFailedTokenResolution bool
	LastBatchInvalidationNotAfter       time.Time
}

// invalidateUnpinnedBatches implements: conditionally increment
// the entity's batchInvalidationCount, which retroactively invalidates
// every unpinned token issued under the prior generation without touching
// any batch record.
func (e *engine) invalidateUnpinnedBatches(ctx context.Context, internalID []byte) error {
	entity, err := e.entities.Get(ctx, internalID)
	if err != nil {
		return fmt.Errorf("tokenizer: invalidate unpinned batches: %w", err)
	}
	if err := e.entities.IncrementInvalidationCount(ctx, internalID, entity.BatchInvalidationCount); err != nil {
		if isInvalidState(err) {
			return fmt.Errorf("tokenizer: invalidate unpinned batches: %w: concurrentChange", ErrInvalidState)
		}
		return fmt.Errorf("tokenizer: invalidate unpinned batches: %w", err)
	}
	return nil
}

// setMinAssuranceForResolution implements: optionally require a
// recent, still-current assurance failure before allowing a policy
// loosening, then conditionally apply it.
func (e *engine) setMinAssuranceForResolution(ctx context.Context, opts setMinAssuranceOptions) (bool, error) {
	internalID := opts.InternalID
	entity := opts.Entity
	if entity == nil {
		got, err := e.entities.Get(ctx, internalID)
		if err != nil {
			return false, fmt.Errorf("tokenizer: set min assurance for resolution: %w", err)
		}
		entity = &got
	} else {
		internalID = entity.InternalID
	}

	if opts.RequireAssuranceFailedTokenResolution {
		failure := entity.LastAssuranceFailedTokenResolution
		if failure == nil || failure.BatchInvalidationCount != entity.BatchInvalidationCount {
			return false, NotAllowed("assuranceFailureNotCurrent")
		}
		notAfter := opts.LastBatchInvalidationNotAfter
		if notAfter.IsZero() {
			notAfter = time.Now().Add(-15 * time.Minute)
		}
		if entity.LastBatchInvalidationDate.After(notAfter) {
			return false, NotAllowed("recentInvalidation")
		}
	}

	return e.entities.SetMinAssuranceForResolution(ctx, internalID, opts.NewLevel, entity.BatchInvalidationCount)
}

// updateEntityWithNoValidTokenBatches implements: the same
// conditional update as setMinAssuranceForResolution, but first verifies
// at the application layer that the entity's open unpinned batch (if any)
// is not currently valid.
func (e *engine) updateEntityWithNoValidTokenBatches(ctx context.Context, entity Entity, newMinAssurance int) (bool, error) {
	if batchID, ok := entity.OpenBatch[unpinnedKey]; ok && len(batchID) > 0 {
		batch, err := e.batches.Get(ctx, batchID)
		if err == nil {
			stillValid := batch.RemainingTokenCount > 0 &&
				time.Now().Before(batch.Expires) &&
				batch.BatchInvalidationCount >= entity.BatchInvalidationCount
			if stillValid {
				return false, NotAllowed("hasValidTokenBatch")
			}
		} else if !isNotFound(err) {
			return false, fmt.Errorf("tokenizer: update entity with no valid token batches: %w", err)
		}
	}

	ok, err := e.entities.SetMinAssuranceForResolution(ctx, entity.InternalID, newMinAssurance, entity.BatchInvalidationCount)
	if err != nil {
		return false, fmt.Errorf("tokenizer: update entity with no valid token batches: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("tokenizer: update entity with no valid token batches: %w", ErrInvalidState)
	}
	return true, nil
}
