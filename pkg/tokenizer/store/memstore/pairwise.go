package memstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type PairwiseTokenStore struct {
	mu       sync.RWMutex
	m        map[string]tokenizer.PairwiseToken
	byValue  map[string]string // hex(value) -> key
	indexed  bool
}

func newPairwiseTokenStore() *PairwiseTokenStore {
	return &PairwiseTokenStore{m: map[string]tokenizer.PairwiseToken{}, byValue: map[string]string{}, indexed: true}
}

func (s *PairwiseTokenStore) Get(ctx context.Context, internalID []byte, requester string) (tokenizer.PairwiseToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := keyOf(internalID, []byte(requester))
	t, ok := s.m[key]
	if !ok || (t.Expires != nil && time.Now().After(*t.Expires)) {
		return tokenizer.PairwiseToken{}, fmt.Errorf("memstore: get pairwise token: %w", tokenizer.ErrNotFound)
	}
	return t, nil
}

func (s *PairwiseTokenStore) Refresh(ctx context.Context, internalID []byte, requester string, newExpires *time.Time) (tokenizer.PairwiseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(internalID, []byte(requester))
	t, ok := s.m[key]
	if !ok || (t.Expires != nil && time.Now().After(*t.Expires)) {
		return tokenizer.PairwiseToken{}, fmt.Errorf("memstore: refresh pairwise token: %w", tokenizer.ErrNotFound)
	}
	if newExpires != nil && (t.Expires == nil || newExpires.After(*t.Expires)) {
		t.Expires = newExpires
	}
	t.Updated = time.Now()
	s.m[key] = t
	return t, nil
}

func (s *PairwiseTokenStore) Insert(ctx context.Context, tok tokenizer.PairwiseToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(tok.InternalID, []byte(tok.Requester))
	if _, ok := s.m[key]; ok {
		return fmt.Errorf("memstore: insert pairwise token: %w", tokenizer.ErrDuplicate)
	}
	s.m[key] = tok
	s.byValue[hex.EncodeToString(tok.Value)] = key
	return nil
}

func (s *PairwiseTokenStore) ResolveByValue(ctx context.Context, value []byte) (tokenizer.PairwiseToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.indexed {
		return tokenizer.PairwiseToken{}, tokenizer.NotAllowed(tokenizer.ReasonQueryDisabled)
	}
	key, ok := s.byValue[hex.EncodeToString(value)]
	if !ok {
		return tokenizer.PairwiseToken{}, fmt.Errorf("memstore: resolve pairwise token by value: %w", tokenizer.ErrNotFound)
	}
	t, ok := s.m[key]
	if !ok || (t.Expires != nil && time.Now().After(*t.Expires)) {
		return tokenizer.PairwiseToken{}, fmt.Errorf("memstore: resolve pairwise token by value: %w", tokenizer.ErrNotFound)
	}
	return t, nil
}
