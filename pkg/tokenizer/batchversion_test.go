package tokenizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBatchVersionStore is a minimal in-memory BatchVersionStore for
// exercising BatchVersionRegistry without pulling in memstore, which
// itself imports this package.
type fakeBatchVersionStore struct {
	mu       sync.Mutex
	byID     map[uint16]BatchVersion
	failNext int
}

func newFakeBatchVersionStore() *fakeBatchVersionStore {
	return &fakeBatchVersionStore{byID: make(map[uint16]BatchVersion)}
}

func (s *fakeBatchVersionStore) Insert(_ context.Context, bv BatchVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return ErrDuplicate
	}
	if _, ok := s.byID[bv.ID]; ok {
		return ErrDuplicate
	}
	s.byID[bv.ID] = bv
	return nil
}

func (s *fakeBatchVersionStore) Get(_ context.Context, id uint16) (BatchVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bv, ok := s.byID[id]
	if !ok {
		return BatchVersion{}, ErrNotFound
	}
	return bv, nil
}

func (s *fakeBatchVersionStore) Latest(_ context.Context, tokenizerID string) (BatchVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best BatchVersion
	found := false
	for _, bv := range s.byID {
		if bv.TokenizerID != tokenizerID {
			continue
		}
		if !found || bv.ID > best.ID {
			best = bv
			found = true
		}
	}
	if !found {
		return BatchVersion{}, ErrNotFound
	}
	return best, nil
}

func TestBatchVersionRegistryEnsureAllocatesOnce(t *testing.T) {
	store := newFakeBatchVersionStore()
	reg, err := NewBatchVersionRegistry(store)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := reg.EnsureForTokenizer(ctx, "tok-a", DefaultBatchVersionOptions())
	require.NoError(t, err)
	require.EqualValues(t, 1, first.ID)

	second, err := reg.EnsureForTokenizer(ctx, "tok-a", DefaultBatchVersionOptions())
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestBatchVersionRegistryNextOptionsRetriesOnCollision(t *testing.T) {
	store := newFakeBatchVersionStore()
	store.failNext = 2 // force two collisions before the insert succeeds

	reg, err := NewBatchVersionRegistry(store)
	require.NoError(t, err)

	bv, err := reg.NextOptions(context.Background(), "tok-b", DefaultBatchVersionOptions())
	require.NoError(t, err)
	require.EqualValues(t, 3, bv.ID)
}

func TestBatchVersionRegistryNextOptionsExhaustsRetries(t *testing.T) {
	store := newFakeBatchVersionStore()
	store.failNext = 1000

	reg, err := NewBatchVersionRegistry(store)
	require.NoError(t, err)

	_, err = reg.NextOptions(context.Background(), "tok-c", DefaultBatchVersionOptions())
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestBatchVersionRegistryNextOptionsValidatesOptions(t *testing.T) {
	store := newFakeBatchVersionStore()
	reg, err := NewBatchVersionRegistry(store)
	require.NoError(t, err)

	bad := DefaultBatchVersionOptions()
	bad.MaxTokenCount = 0
	_, err = reg.NextOptions(context.Background(), "tok-d", bad)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBatchVersionRegistryGetUsesCache(t *testing.T) {
	store := newFakeBatchVersionStore()
	reg, err := NewBatchVersionRegistry(store)
	require.NoError(t, err)

	ctx := context.Background()
	bv, err := reg.NextOptions(ctx, "tok-e", DefaultBatchVersionOptions())
	require.NoError(t, err)

	store.mu.Lock()
	delete(store.byID, bv.ID)
	store.mu.Unlock()

	got, err := reg.Get(ctx, bv.ID)
	require.NoError(t, err)
	require.Equal(t, bv.ID, got.ID)
}
