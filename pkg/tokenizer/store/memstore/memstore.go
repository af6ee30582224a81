// Package memstore implements the tokenizer engine's store interfaces
// entirely in memory, concurrency-safe via sync.RWMutex and with a
// background goroutine expiring stale records. Suitable for development,
// testing, and single-instance deployments; data does not survive a
// restart.
package memstore

import (
	"encoding/hex"
	"sync"
	"time"
)

func keyOf(parts ...[]byte) string {
	total := 0
	for _, p := range parts {
		total += len(p) + 1
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, hex.EncodeToString(p)...)
		buf = append(buf, '|')
	}
	return string(buf)
}

// Store bundles all five in-memory stores behind one cleanup goroutine.
type Store struct {
	Entities      *EntityStore
	Batches       *TokenBatchStore
	Registrations *RegistrationStore
	Pairwise      *PairwiseTokenStore
	Versions      *BatchVersionStore

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// New constructs a Store with a background expiry sweep running every
// cleanupInterval (defaulting to 5 minutes).
func New(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &Store{
		Entities:      newEntityStore(),
		Batches:       newTokenBatchStore(),
		Registrations: newRegistrationStore(),
		Pairwise:      newPairwiseTokenStore(),
		Versions:      newBatchVersionStore(),
		stopCleanup:   make(chan struct{}),
	}
	go s.runCleanup(cleanupInterval)
	return s
}

func (s *Store) runCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.Entities.expireBefore(now)
			s.Batches.expireBefore(now)
			s.Registrations.expireBefore(now)
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() {
	s.cleanupOnce.Do(func() { close(s.stopCleanup) })
}
