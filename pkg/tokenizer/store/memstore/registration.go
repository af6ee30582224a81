package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type RegistrationStore struct {
	mu sync.RWMutex
	m  map[string]tokenizer.Registration
}

func newRegistrationStore() *RegistrationStore {
	return &RegistrationStore{m: map[string]tokenizer.Registration{}}
}

func (s *RegistrationStore) expireBefore(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if now.After(v.Expires) {
			delete(s.m, k)
		}
	}
}

func (s *RegistrationStore) Get(ctx context.Context, externalIDHash, documentHash []byte) (tokenizer.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[keyOf(externalIDHash, documentHash)]
	if !ok || time.Now().After(r.Expires) {
		return tokenizer.Registration{}, fmt.Errorf("memstore: get registration: %w", tokenizer.ErrNotFound)
	}
	return r, nil
}

func (s *RegistrationStore) Refresh(ctx context.Context, externalIDHash, documentHash []byte, newExpires time.Time, creatorHash []byte) (tokenizer.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(externalIDHash, documentHash)
	r, ok := s.m[key]
	if !ok || time.Now().After(r.Expires) {
		return tokenizer.Registration{}, fmt.Errorf("memstore: refresh registration: %w", tokenizer.ErrNotFound)
	}
	if newExpires.After(r.Expires) {
		r.Expires = newExpires
	}
	if len(creatorHash) > 0 {
		found := false
		for _, h := range r.CreatorHash {
			if bytesEqual(h, creatorHash) {
				found = true
				break
			}
		}
		if !found {
			r.CreatorHash = append(r.CreatorHash, creatorHash)
		}
	}
	r.Updated = time.Now()
	s.m[key] = r
	return r, nil
}

func (s *RegistrationStore) Insert(ctx context.Context, reg tokenizer.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(reg.ExternalIDHash, reg.DocumentHash)
	if existing, ok := s.m[key]; ok && time.Now().Before(existing.Expires) {
		return fmt.Errorf("memstore: insert registration: %w", tokenizer.ErrDuplicate)
	}
	s.m[key] = reg
	return nil
}

func (s *RegistrationStore) AdvanceExpires(ctx context.Context, internalID []byte, newExpires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for key, r := range s.m {
		if !bytesEqual(r.InternalID, internalID) {
			continue
		}
		found = true
		if newExpires.After(r.Expires) {
			r.Expires = newExpires
			r.Updated = time.Now()
			s.m[key] = r
		}
	}
	if !found {
		return fmt.Errorf("memstore: advance registration expires: %w", tokenizer.ErrNotFound)
	}
	return nil
}
