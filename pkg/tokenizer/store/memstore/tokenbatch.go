package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type TokenBatchStore struct {
	mu sync.RWMutex
	m  map[string]tokenizer.TokenBatch
}

func newTokenBatchStore() *TokenBatchStore {
	return &TokenBatchStore{m: map[string]tokenizer.TokenBatch{}}
}

func (s *TokenBatchStore) expireBefore(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if now.After(v.Expires) {
			delete(s.m, k)
		}
	}
}

func (s *TokenBatchStore) Get(ctx context.Context, id []byte) (tokenizer.TokenBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[keyOf(id)]
	if !ok || time.Now().After(b.Expires) {
		return tokenizer.TokenBatch{}, fmt.Errorf("memstore: get token batch: %w", tokenizer.ErrNotFound)
	}
	return b, nil
}

func (s *TokenBatchStore) Insert(ctx context.Context, batch tokenizer.TokenBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(batch.ID)
	if _, ok := s.m[key]; ok {
		return fmt.Errorf("memstore: insert token batch: %w", tokenizer.ErrDuplicate)
	}
	s.m[key] = batch
	return nil
}

func (s *TokenBatchStore) ClaimTokens(ctx context.Context, id, internalID []byte, observed, claimed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(id)
	b, ok := s.m[key]
	if !ok || !bytes.Equal(b.InternalID, internalID) || b.RemainingTokenCount != observed {
		return fmt.Errorf("memstore: claim tokens: %w", tokenizer.ErrInvalidState)
	}
	b.RemainingTokenCount = observed - claimed
	b.Updated = time.Now()
	s.m[key] = b
	return nil
}

// MarkResolved reconstructs the batch's resolution bitstrings from their
// compressed wire form via tokenizer.UnmarshalTokenBatch rather than
// naming the package's internal bitstring type directly, the same
// boundary every store implementation crosses.
func (s *TokenBatchStore) MarkResolved(ctx context.Context, id []byte, observedResolvedList []byte, newResolvedList []byte, encodedRequester string, newRequesterBits []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(id)
	b, ok := s.m[key]
	if !ok {
		return fmt.Errorf("memstore: mark resolved: %w", tokenizer.ErrInvalidState)
	}
	current, err := b.ResolvedList.Marshal()
	if err != nil {
		return fmt.Errorf("memstore: mark resolved: %w", err)
	}
	if !bytes.Equal(current, observedResolvedList) {
		return fmt.Errorf("memstore: mark resolved: %w", tokenizer.ErrInvalidState)
	}

	resolutionBytes := make(map[string][]byte, len(b.Resolution)+1)
	for k, v := range b.Resolution {
		vb, err := v.Marshal()
		if err != nil {
			return fmt.Errorf("memstore: mark resolved: %w", err)
		}
		resolutionBytes[k] = vb
	}
	resolutionBytes[encodedRequester] = newRequesterBits

	updated, err := tokenizer.UnmarshalTokenBatch(tokenizer.TokenBatchFields{
		ID:                        b.ID,
		InternalID:                b.InternalID,
		BatchVersion:              b.BatchVersion,
		ResolvedListBytes:         newResolvedList,
		ResolutionBytes:           resolutionBytes,
		MaxTokenCount:             b.MaxTokenCount,
		RemainingTokenCount:       b.RemainingTokenCount,
		Expires:                   b.Expires,
		BatchInvalidationCount:    b.BatchInvalidationCount,
		MinAssuranceForResolution: b.MinAssuranceForResolution,
		Created:                   b.Created,
		Updated:                   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("memstore: mark resolved: %w", err)
	}
	s.m[key] = updated
	return nil
}
