package tokenizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// batchVersionCacheSize and batchVersionCacheTTL bound the registry's LRU:
// batch versions are created rarely (one per tokenizer key rotation) and
// read on every token parse, so a small, long-lived cache covers
// essentially all traffic after warmup.
const (
	batchVersionCacheSize = 100
	batchVersionCacheTTL  = 24 * time.Hour
)

// BatchVersionOptions are the structural parameters a batch version fixes
// for every token minted under it. They are immutable once a version is
// allocated: changing any of them requires allocating a new version.
type BatchVersionOptions struct {
	BatchIDSize   int
	BatchSaltSize int
	MaxTokenCount int
	TTL           time.Duration
}

// ttl returns the batch lifetime, defaulting to one hour if unset (zero
// value), matching the engine's packaged default configuration.
func (o BatchVersionOptions) ttl() time.Duration {
	if o.TTL <= 0 {
		return time.Hour
	}
	return o.TTL
}

// DefaultBatchVersionOptions returns the engine's baseline parameters.
func DefaultBatchVersionOptions() BatchVersionOptions {
	return BatchVersionOptions{
		BatchIDSize:   16,
		BatchSaltSize: 8,
		MaxTokenCount: 256,
		TTL:           time.Hour,
	}
}

func (o BatchVersionOptions) validate() error {
	if o.BatchIDSize <= 0 {
		return InvalidArgument("batchIDSize", "must be positive")
	}
	if o.BatchSaltSize <= 0 {
		return InvalidArgument("batchSaltSize", "must be positive")
	}
	if o.MaxTokenCount <= 0 || o.MaxTokenCount > resolvedListWidth {
		return InvalidArgument("maxTokenCount", fmt.Sprintf("must be in (0, %d]", resolvedListWidth))
	}
	return nil
}

// BatchVersion binds a stable numeric id to the tokenizer and structural
// parameters every token minted under it carries. Versions are
// append-only: once allocated, an id's fields never change.
type BatchVersion struct {
	ID          uint16
	TokenizerID string
	Options     BatchVersionOptions
	CreatedAt   time.Time
}

// BatchVersionStore persists the append-only sequence of batch versions.
type BatchVersionStore interface {
	// Insert appends version, which must have a fresh, unused ID. Returns
	// ErrDuplicate if ID is already taken.
	Insert(ctx context.Context, version BatchVersion) error

	// Get returns the batch version with the given id, or ErrNotFound.
	Get(ctx context.Context, id uint16) (BatchVersion, error)

	// Latest returns the most recently allocated batch version for
	// tokenizerID, or ErrNotFound if none exist yet.
	Latest(ctx context.Context, tokenizerID string) (BatchVersion, error)
}

// BatchVersionRegistry resolves batch-version ids to their parameters and
// allocates new versions, caching reads behind an LRU: an append-only
// table plus an in-process LRU is enough here, no external cache
// dependency is required.
type BatchVersionRegistry struct {
	store BatchVersionStore

	mu    sync.Mutex
	cache *lru.Cache[uint16, cachedBatchVersion]

	nextID struct {
		sync.Mutex
		seen map[string]uint16
	}
}

type cachedBatchVersion struct {
	version  BatchVersion
	cachedAt time.Time
}

// NewBatchVersionRegistry wraps store with a bounded, time-limited cache.
func NewBatchVersionRegistry(store BatchVersionStore) (*BatchVersionRegistry, error) {
	cache, err := lru.New[uint16, cachedBatchVersion](batchVersionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: new batch version registry: %w", err)
	}
	r := &BatchVersionRegistry{store: store, cache: cache}
	r.nextID.seen = make(map[string]uint16)
	return r, nil
}

// Get resolves id, consulting the cache before falling back to store.
func (r *BatchVersionRegistry) Get(ctx context.Context, id uint16) (BatchVersion, error) {
	r.mu.Lock()
	if c, ok := r.cache.Get(id); ok && time.Since(c.cachedAt) < batchVersionCacheTTL {
		r.mu.Unlock()
		return c.version, nil
	}
	r.mu.Unlock()

	bv, err := r.store.Get(ctx, id)
	if err != nil {
		return BatchVersion{}, err
	}

	r.mu.Lock()
	r.cache.Add(id, cachedBatchVersion{version: bv, cachedAt: time.Now()})
	r.mu.Unlock()
	return bv, nil
}

// Latest resolves the current ("ensured") batch version for tokenizerID,
// i.e. the one with the highest id. It bypasses the id-keyed cache since
// the identity of "latest" can change.
func (r *BatchVersionRegistry) Latest(ctx context.Context, tokenizerID string) (BatchVersion, error) {
	bv, err := r.store.Latest(ctx, tokenizerID)
	if err != nil {
		return BatchVersion{}, err
	}
	r.mu.Lock()
	r.cache.Add(bv.ID, cachedBatchVersion{version: bv, cachedAt: time.Now()})
	r.mu.Unlock()
	return bv, nil
}

// EnsureForTokenizer returns the current batch version for tokenizerID,
// allocating one with defaultOpts if none exists yet.
func (r *BatchVersionRegistry) EnsureForTokenizer(ctx context.Context, tokenizerID string, defaultOpts BatchVersionOptions) (BatchVersion, error) {
	bv, err := r.Latest(ctx, tokenizerID)
	if err == nil {
		return bv, nil
	}
	if !isNotFound(err) {
		return BatchVersion{}, err
	}
	return r.NextOptions(ctx, tokenizerID, defaultOpts)
}

// NextOptions allocates and persists the next batch version for
// tokenizerID with opts, retrying on id collision rather than
// serializing id allocation through a transaction.
func (r *BatchVersionRegistry) NextOptions(ctx context.Context, tokenizerID string, opts BatchVersionOptions) (BatchVersion, error) {
	if err := opts.validate(); err != nil {
		return BatchVersion{}, err
	}

	r.nextID.Lock()
	defer r.nextID.Unlock()

	id, err := r.nextFreeID(ctx, tokenizerID)
	if err != nil {
		return BatchVersion{}, err
	}

	bv := BatchVersion{
		ID:          id,
		TokenizerID: tokenizerID,
		Options:     opts,
		CreatedAt:   time.Now(),
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 4)
	err = backoff.Retry(func() error {
		insertErr := r.store.Insert(ctx, bv)
		if insertErr == nil {
			return nil
		}
		if !isDuplicate(insertErr) {
			return backoff.Permanent(insertErr)
		}
		bv.ID++
		return insertErr
	}, policy)
	if err != nil {
		if isDuplicate(err) {
			return BatchVersion{}, fmt.Errorf("tokenizer: allocate batch version: %w: exhausted retries", ErrDuplicate)
		}
		return BatchVersion{}, fmt.Errorf("tokenizer: allocate batch version: %w", err)
	}

	r.mu.Lock()
	r.cache.Add(bv.ID, cachedBatchVersion{version: bv, cachedAt: time.Now()})
	r.mu.Unlock()
	r.nextID.seen[tokenizerID] = bv.ID
	return bv, nil
}

func (r *BatchVersionRegistry) nextFreeID(ctx context.Context, tokenizerID string) (uint16, error) {
	if id, ok := r.nextID.seen[tokenizerID]; ok {
		return id + 1, nil
	}
	latest, err := r.store.Latest(ctx, tokenizerID)
	if err != nil {
		if isNotFound(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("tokenizer: resolve latest batch version: %w", err)
	}
	return latest.ID + 1, nil
}
