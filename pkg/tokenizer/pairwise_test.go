package tokenizer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePairwiseStore struct {
	mu         sync.Mutex
	byKey      map[string]PairwiseToken
	byValue    map[string]PairwiseToken
	insertHook func()
}

func newFakePairwiseStore() *fakePairwiseStore {
	return &fakePairwiseStore{
		byKey:   make(map[string]PairwiseToken),
		byValue: make(map[string]PairwiseToken),
	}
}

func pairwiseKey(internalID []byte, requester string) string {
	return string(internalID) + "|" + requester
}

func (s *fakePairwiseStore) Get(_ context.Context, internalID []byte, requester string) (PairwiseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byKey[pairwiseKey(internalID, requester)]
	if !ok {
		return PairwiseToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *fakePairwiseStore) Refresh(_ context.Context, internalID []byte, requester string, newExpires *time.Time) (PairwiseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairwiseKey(internalID, requester)
	tok, ok := s.byKey[key]
	if !ok {
		return PairwiseToken{}, ErrNotFound
	}
	tok.Expires = newExpires
	tok.Updated = time.Now()
	s.byKey[key] = tok
	return tok, nil
}

func (s *fakePairwiseStore) Insert(_ context.Context, tok PairwiseToken) error {
	if s.insertHook != nil {
		s.insertHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairwiseKey(tok.InternalID, tok.Requester)
	if _, ok := s.byKey[key]; ok {
		return ErrDuplicate
	}
	s.byKey[key] = tok
	s.byValue[string(tok.Value)] = tok
	return nil
}

func (s *fakePairwiseStore) ResolveByValue(_ context.Context, value []byte) (PairwiseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byValue[string(value)]
	if !ok {
		return PairwiseToken{}, ErrNotFound
	}
	return tok, nil
}

func TestUpsertPairwiseTokenCreatesOnFirstCall(t *testing.T) {
	store := newFakePairwiseStore()
	e := &engine{pairwise: store}
	internalID := bytes.Repeat([]byte{0x01}, 16)

	tok, err := e.upsertPairwiseToken(context.Background(), internalID, "requester-a", nil)
	require.NoError(t, err)
	require.Len(t, tok.Value, 16)
}

func TestUpsertPairwiseTokenStableAcrossCalls(t *testing.T) {
	store := newFakePairwiseStore()
	e := &engine{pairwise: store}
	internalID := bytes.Repeat([]byte{0x02}, 16)

	first, err := e.upsertPairwiseToken(context.Background(), internalID, "requester-b", nil)
	require.NoError(t, err)
	second, err := e.upsertPairwiseToken(context.Background(), internalID, "requester-b", nil)
	require.NoError(t, err)
	require.Equal(t, first.Value, second.Value)
}

func TestUpsertPairwiseTokenRaceFallsBackToGet(t *testing.T) {
	store := newFakePairwiseStore()
	internalID := bytes.Repeat([]byte{0x03}, 16)

	// Simulate a concurrent resolver winning the insert race: by the time
	// our Insert call runs, a record already exists under the same key.
	store.insertHook = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		key := pairwiseKey(internalID, "requester-c")
		if _, ok := store.byKey[key]; !ok {
			store.byKey[key] = PairwiseToken{
				InternalID: internalID,
				Requester:  "requester-c",
				Value:      bytes.Repeat([]byte{0xEE}, 16),
			}
		}
	}

	e := &engine{pairwise: store}
	tok, err := e.upsertPairwiseToken(context.Background(), internalID, "requester-c", nil)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xEE}, 16), tok.Value)
}

func TestResolvePairwiseTokenByValue(t *testing.T) {
	store := newFakePairwiseStore()
	e := &engine{pairwise: store}
	internalID := bytes.Repeat([]byte{0x04}, 16)

	created, err := e.upsertPairwiseToken(context.Background(), internalID, "requester-d", nil)
	require.NoError(t, err)

	resolved, err := e.resolvePairwiseToken(context.Background(), created.Value)
	require.NoError(t, err)
	require.Equal(t, internalID, resolved.InternalID)
}
