package tokenizer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBytesEqual(t *testing.T) {
	require.True(t, bytesEqual([]byte{1, 2, 3}, []byte{1, 2, 3}))
	require.False(t, bytesEqual([]byte{1, 2, 3}, []byte{1, 2, 4}))
	require.False(t, bytesEqual([]byte{1, 2}, []byte{1, 2, 3}))
}

func TestDefaultMinAssuranceOrGiven(t *testing.T) {
	require.Equal(t, defaultMinAssuranceForResolution, defaultMinAssuranceOrGiven(0))
	require.Equal(t, 3, defaultMinAssuranceOrGiven(3))
}

func TestRandomInternalIDLength(t *testing.T) {
	id, err := randomInternalID()
	require.NoError(t, err)
	require.Len(t, id, 16)
}

func TestRegisterDocumentOptionsValidate(t *testing.T) {
	base := registerDocumentOptions{
		ExternalID:     "ext-1",
		Document:       []byte("doc"),
		RecipientChain: [][]byte{[]byte("r1")},
	}
	require.NoError(t, base.validate())

	noExternal := base
	noExternal.ExternalID = ""
	require.ErrorIs(t, noExternal.validate(), ErrInvalidArgument)

	noDoc := base
	noDoc.Document = nil
	require.ErrorIs(t, noDoc.validate(), ErrInvalidArgument)

	noRecipients := base
	noRecipients.RecipientChain = nil
	require.ErrorIs(t, noRecipients.validate(), ErrInvalidArgument)

	badInternalID := base
	badInternalID.InternalID = []byte{0x01}
	require.ErrorIs(t, badInternalID.validate(), ErrInvalidArgument)
}

// fakeRegistrationStore is a minimal in-process RegistrationStore for
// exercising registerDocument's optimistic refresh-then-insert protocol.
type fakeRegistrationStore struct {
	mu   sync.Mutex
	byID map[string]Registration
}

func newFakeRegistrationStore() *fakeRegistrationStore {
	return &fakeRegistrationStore{byID: make(map[string]Registration)}
}

func regKey(externalIDHash, documentHash []byte) string {
	return string(externalIDHash) + "|" + string(documentHash)
}

func (s *fakeRegistrationStore) Get(_ context.Context, externalIDHash, documentHash []byte) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.byID[regKey(externalIDHash, documentHash)]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

func (s *fakeRegistrationStore) Refresh(_ context.Context, externalIDHash, documentHash []byte, newExpires time.Time, creatorHash []byte) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := regKey(externalIDHash, documentHash)
	reg, ok := s.byID[key]
	if !ok {
		return Registration{}, ErrNotFound
	}
	if newExpires.After(reg.Expires) {
		reg.Expires = newExpires
	}
	if creatorHash != nil {
		reg.CreatorHash = append(reg.CreatorHash, creatorHash)
	}
	reg.Updated = time.Now()
	s.byID[key] = reg
	return reg, nil
}

func (s *fakeRegistrationStore) Insert(_ context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := regKey(reg.ExternalIDHash, reg.DocumentHash)
	if _, ok := s.byID[key]; ok {
		return ErrDuplicate
	}
	s.byID[key] = reg
	return nil
}

func (s *fakeRegistrationStore) AdvanceExpires(_ context.Context, internalID []byte, newExpires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for key, reg := range s.byID {
		if !bytesEqual(reg.InternalID, internalID) {
			continue
		}
		found = true
		if newExpires.After(reg.Expires) {
			reg.Expires = newExpires
			s.byID[key] = reg
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// fakeEntityStore is a minimal in-process EntityStore, sufficient for
// registerDocument's Upsert calls.
type fakeEntityStore struct {
	mu sync.Mutex
	m  map[string]Entity
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{m: make(map[string]Entity)}
}

func (s *fakeEntityStore) Get(_ context.Context, internalID []byte) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[string(internalID)]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (s *fakeEntityStore) Upsert(_ context.Context, entity Entity) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(entity.InternalID)
	existing, ok := s.m[key]
	if !ok {
		if entity.OpenBatch == nil {
			entity.OpenBatch = map[string][]byte{}
		}
		s.m[key] = entity
		return entity, nil
	}
	if entity.Expires.After(existing.Expires) {
		existing.Expires = entity.Expires
	}
	s.m[key] = existing
	return existing, nil
}

func (s *fakeEntityStore) SetOpenBatch(_ context.Context, internalID []byte, pinLevelKey string, batchID []byte, newExpires time.Time, expectedInvalidationCount int, checkInvalidationCount bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[string(internalID)]
	if !ok {
		return ErrInvalidState
	}
	if checkInvalidationCount && e.BatchInvalidationCount != expectedInvalidationCount {
		return ErrInvalidState
	}
	if e.OpenBatch == nil {
		e.OpenBatch = map[string][]byte{}
	}
	e.OpenBatch[pinLevelKey] = batchID
	if newExpires.After(e.Expires) {
		e.Expires = newExpires
	}
	s.m[string(internalID)] = e
	return nil
}

func (s *fakeEntityStore) ClearOpenBatch(context.Context, []byte, string, []byte) (bool, error) {
	return false, nil
}

func (s *fakeEntityStore) IncrementInvalidationCount(_ context.Context, internalID []byte, observed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[string(internalID)]
	if !ok || e.BatchInvalidationCount != observed {
		return ErrInvalidState
	}
	e.BatchInvalidationCount++
	s.m[string(internalID)] = e
	return nil
}

func (s *fakeEntityStore) SetMinAssuranceForResolution(_ context.Context, internalID []byte, newLevel int, observedInvalidationCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[string(internalID)]
	if !ok || e.BatchInvalidationCount != observedInvalidationCount {
		return false, nil
	}
	e.MinAssuranceForResolution = newLevel
	s.m[string(internalID)] = e
	return true, nil
}

func (s *fakeEntityStore) RecordAssuranceFailure(_ context.Context, internalID []byte, failure AssuranceFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[string(internalID)]
	if !ok {
		return nil
	}
	f := failure
	e.LastAssuranceFailedTokenResolution = &f
	s.m[string(internalID)] = e
	return nil
}

// fakeEncryptor returns the plaintext prefixed with "jwe:" as its opaque
// envelope; it records nothing.
type fakeEncryptor struct{}

func (fakeEncryptor) Encrypt(_ context.Context, plaintext []byte, recipientChain [][]byte) ([]byte, error) {
	out := append([]byte("jwe:"), plaintext...)
	return out, nil
}

func newTestEngine(t *testing.T) (*engine, *fakeEntityStore, *fakeRegistrationStore) {
	t.Helper()
	entities := newFakeEntityStore()
	registrations := newFakeRegistrationStore()
	signer, err := NewHMACSHA256Signer("tok-1", bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	provider := NewStaticTokenizerProvider("tok-1", signer)
	e := &engine{
		entities:      entities,
		registrations: registrations,
		provider:      provider,
		encryptor:     fakeEncryptor{},
	}
	return e, entities, registrations
}

func TestRegisterDocumentCreatesNewRegistration(t *testing.T) {
	e, entities, _ := newTestEngine(t)
	ctx := context.Background()

	reg, err := e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:     "alice@example.com",
		Document:       []byte("ssn-123-45-6789"),
		RecipientChain: [][]byte{[]byte("recipient-a")},
	})
	require.NoError(t, err)
	require.Len(t, reg.InternalID, 16)

	_, err = entities.Get(ctx, reg.InternalID)
	require.NoError(t, err)
}

func TestRegisterDocumentRefreshesExisting(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:     "bob@example.com",
		Document:       []byte("passport-xyz"),
		RecipientChain: [][]byte{[]byte("recipient-b")},
	})
	require.NoError(t, err)

	second, err := e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:     "bob@example.com",
		Document:       []byte("passport-xyz"),
		RecipientChain: [][]byte{[]byte("recipient-b")},
	})
	require.NoError(t, err)

	require.True(t, bytes.Equal(first.InternalID, second.InternalID))
}

func TestRegisterDocumentExpectedExistingMissing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:      "carol@example.com",
		Document:        []byte("license-1"),
		RecipientChain:  [][]byte{[]byte("recipient-c")},
		NewRegistration: ExpectedExisting,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterDocumentInternalIDMismatchOnRefresh(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:     "dave@example.com",
		Document:       []byte("doc-1"),
		RecipientChain: [][]byte{[]byte("recipient-d")},
	})
	require.NoError(t, err)

	wrongInternalID := bytes.Repeat([]byte{0x99}, 16)
	_, err = e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:     "dave@example.com",
		Document:       []byte("doc-1"),
		RecipientChain: [][]byte{[]byte("recipient-d")},
		InternalID:     wrongInternalID,
	})
	require.ErrorIs(t, err, ErrInvalidState)
}
