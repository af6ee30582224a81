package tokenizer

import (
	"context"
	"strconv"
	"time"
)

// unpinnedKey is the openBatch map key for unpinned batches: pinLevelKey
// of "-1".
const unpinnedKey = "-1"

// defaultMinAssuranceForResolution is applied to newly created entities
// that do not specify one.
const defaultMinAssuranceForResolution = 2

// AssuranceFailure records the most recent resolution rejected for
// insufficient assurance, scoped to a specific invalidation generation so
// a later policy change can tell whether the failure is still current.
type AssuranceFailure struct {
	BatchID                []byte
	BatchInvalidationCount int
	Date                   time.Time
}

// Entity is the per-internal-id record coordinating open batches,
// assurance policy, and the invalidation generation counter.
type Entity struct {
	InternalID                          []byte
	ExternalIDHash                      []byte
	BatchInvalidationCount              int
	OpenBatch                           map[string][]byte
	MinAssuranceForResolution           int
	LastAssuranceFailedTokenResolution  *AssuranceFailure
	LastBatchInvalidationDate           time.Time
	Expires                             time.Time
	Created                             time.Time
	Updated                             time.Time
}

func newEntity(internalID []byte, ttl time.Duration, minAssurance int) Entity {
	now := time.Now()
	return Entity{
		InternalID:                internalID,
		OpenBatch:                 map[string][]byte{},
		MinAssuranceForResolution: minAssurance,
		Expires:                   now.Add(ttl),
		Created:                   now,
		Updated:                   now,
	}
}

func pinLevelKey(minAssuranceForResolution int) string {
	if minAssuranceForResolution < 0 {
		return unpinnedKey
	}
	return strconv.Itoa(minAssuranceForResolution)
}

// EntityStore persists Entity records with the conditional-update
// semantics an eventually-consistent document store needs: unique
// internalId, $max-advancing expires, and compare-and-swap on
// batchInvalidationCount.
type EntityStore interface {
	// Get returns the entity for internalID, or ErrNotFound if absent or
	// expired.
	Get(ctx context.Context, internalID []byte) (Entity, error)

	// Upsert inserts entity if absent, or otherwise advances its expires
	// via max-semantics; an existing record's OpenBatch pointers are left
	// unchanged. Returns the resulting record.
	Upsert(ctx context.Context, entity Entity) (Entity, error)

	// SetOpenBatch conditionally sets entity.OpenBatch[pinLevelKey] =
	// batchID, requiring the entity's current batchInvalidationCount to
	// equal expectedInvalidationCount when pinLevelKey is unpinned. It
	// also advances entity.expires via max-semantics to newExpires, so a
	// batch outliving the entity's current TTL (e.g. a longer default
	// batch-version TTL than the registration's) pulls the entity's
	// expiry forward with it. Returns ErrInvalidState if the
	// precondition failed.
	SetOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, batchID []byte, newExpires time.Time, expectedInvalidationCount int, checkInvalidationCount bool) error

	// ClearOpenBatch conditionally clears entity.OpenBatch[pinLevelKey],
	// requiring it to currently equal expectedBatchID. A mismatch is not
	// an error: it means another writer already moved the pointer, and
	// ok is false.
	ClearOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, expectedBatchID []byte) (ok bool, err error)

	// IncrementInvalidationCount conditionally increments
	// batchInvalidationCount, requiring the current value to equal
	// observed. Returns ErrInvalidState on mismatch.
	IncrementInvalidationCount(ctx context.Context, internalID []byte, observed int) error

	// SetMinAssuranceForResolution conditionally sets
	// minAssuranceForResolution, requiring batchInvalidationCount to
	// equal observed. Returns whether the update occurred.
	SetMinAssuranceForResolution(ctx context.Context, internalID []byte, newLevel int, observedInvalidationCount int) (bool, error)

	// RecordAssuranceFailure best-effort sets
	// lastAssuranceFailedTokenResolution. Failures are not propagated to
	// the caller of resolveToPairwise.
	RecordAssuranceFailure(ctx context.Context, internalID []byte, failure AssuranceFailure) error
}
