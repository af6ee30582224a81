package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type EntityStore struct {
	mu sync.RWMutex
	m  map[string]tokenizer.Entity
}

func newEntityStore() *EntityStore {
	return &EntityStore{m: map[string]tokenizer.Entity{}}
}

func (s *EntityStore) expireBefore(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if !v.Expires.IsZero() && now.After(v.Expires) {
			delete(s.m, k)
		}
	}
}

func cloneOpenBatch(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (s *EntityStore) Get(ctx context.Context, internalID []byte) (tokenizer.Entity, error) {
	if err := ctx.Err(); err != nil {
		return tokenizer.Entity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[keyOf(internalID)]
	if !ok || (!e.Expires.IsZero() && time.Now().After(e.Expires)) {
		return tokenizer.Entity{}, fmt.Errorf("memstore: get entity: %w", tokenizer.ErrNotFound)
	}
	e.OpenBatch = cloneOpenBatch(e.OpenBatch)
	return e, nil
}

func (s *EntityStore) Upsert(ctx context.Context, entity tokenizer.Entity) (tokenizer.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(entity.InternalID)
	now := time.Now()
	existing, ok := s.m[key]
	if !ok {
		if entity.OpenBatch == nil {
			entity.OpenBatch = map[string][]byte{}
		}
		if entity.MinAssuranceForResolution == 0 {
			entity.MinAssuranceForResolution = 2
		}
		entity.Created = now
		entity.Updated = now
		s.m[key] = entity
		return entity, nil
	}
	if entity.Expires.After(existing.Expires) {
		existing.Expires = entity.Expires
	}
	existing.Updated = now
	s.m[key] = existing
	return existing, nil
}

func (s *EntityStore) SetOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, batchID []byte, newExpires time.Time, expectedInvalidationCount int, checkInvalidationCount bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID)
	e, ok := s.m[key]
	if !ok {
		return fmt.Errorf("memstore: set open batch: %w", tokenizer.ErrInvalidState)
	}
	if checkInvalidationCount && e.BatchInvalidationCount != expectedInvalidationCount {
		return fmt.Errorf("memstore: set open batch: %w", tokenizer.ErrInvalidState)
	}
	e.OpenBatch = cloneOpenBatch(e.OpenBatch)
	e.OpenBatch[pinLevelKey] = batchID
	if newExpires.After(e.Expires) {
		e.Expires = newExpires
	}
	e.Updated = time.Now()
	s.m[key] = e
	return nil
}

func (s *EntityStore) ClearOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, expectedBatchID []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID)
	e, ok := s.m[key]
	if !ok {
		return false, nil
	}
	current, ok := e.OpenBatch[pinLevelKey]
	if !ok || !bytesEqual(current, expectedBatchID) {
		return false, nil
	}
	e.OpenBatch = cloneOpenBatch(e.OpenBatch)
	delete(e.OpenBatch, pinLevelKey)
	e.Updated = time.Now()
	s.m[key] = e
	return true, nil
}

func (s *EntityStore) IncrementInvalidationCount(ctx context.Context, internalID []byte, observed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID)
	e, ok := s.m[key]
	if !ok || e.BatchInvalidationCount != observed {
		return fmt.Errorf("memstore: increment invalidation count: %w", tokenizer.ErrInvalidState)
	}
	e.BatchInvalidationCount++
	e.LastBatchInvalidationDate = time.Now()
	e.Updated = time.Now()
	s.m[key] = e
	return nil
}

func (s *EntityStore) SetMinAssuranceForResolution(ctx context.Context, internalID []byte, newLevel int, observedInvalidationCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID)
	e, ok := s.m[key]
	if !ok || e.BatchInvalidationCount != observedInvalidationCount {
		return false, nil
	}
	e.MinAssuranceForResolution = newLevel
	e.Updated = time.Now()
	s.m[key] = e
	return true, nil
}

func (s *EntityStore) RecordAssuranceFailure(ctx context.Context, internalID []byte, failure tokenizer.AssuranceFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID)
	e, ok := s.m[key]
	if !ok {
		return nil
	}
	f := failure
	e.LastAssuranceFailedTokenResolution = &f
	e.Updated = time.Now()
	s.m[key] = e
	return nil
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
