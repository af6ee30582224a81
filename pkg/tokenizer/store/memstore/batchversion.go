package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type BatchVersionStore struct {
	mu   sync.RWMutex
	byID map[uint16]tokenizer.BatchVersion
}

func newBatchVersionStore() *BatchVersionStore {
	return &BatchVersionStore{byID: map[uint16]tokenizer.BatchVersion{}}
}

func (s *BatchVersionStore) Insert(ctx context.Context, version tokenizer.BatchVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[version.ID]; ok {
		return fmt.Errorf("memstore: insert batch version: %w", tokenizer.ErrDuplicate)
	}
	s.byID[version.ID] = version
	return nil
}

func (s *BatchVersionStore) Get(ctx context.Context, id uint16) (tokenizer.BatchVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bv, ok := s.byID[id]
	if !ok {
		return tokenizer.BatchVersion{}, fmt.Errorf("memstore: get batch version: %w", tokenizer.ErrNotFound)
	}
	return bv, nil
}

func (s *BatchVersionStore) Latest(ctx context.Context, tokenizerID string) (tokenizer.BatchVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best tokenizer.BatchVersion
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
		return tokenizer.BatchVersion{}, fmt.Errorf("memstore: latest batch version: %w", tokenizer.ErrNotFound)
	}
	return best, nil
}
