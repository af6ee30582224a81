package tokenizer

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomBatchIDLengthAndUniqueness(t *testing.T) {
	a, err := randomBatchID(16)
	require.NoError(t, err)
	require.Len(t, a, 16)

	b, err := randomBatchID(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCreateTokensOptionsValidate(t *testing.T) {
	base := createTokensOptions{
		InternalID: bytes.Repeat([]byte{0x01}, 16),
		TokenCount: 10,
	}
	require.NoError(t, base.validate())

	shortID := base
	shortID.InternalID = []byte{0x01, 0x02}
	require.ErrorIs(t, shortID.validate(), ErrInvalidArgument)

	zeroCount := base
	zeroCount.TokenCount = 0
	require.ErrorIs(t, zeroCount.validate(), ErrInvalidArgument)

	tooMany := base
	tooMany.TokenCount = maxTokenCount + 1
	require.ErrorIs(t, tooMany.validate(), ErrInvalidArgument)
}

func TestTokenBatchIsUnpinned(t *testing.T) {
	pinned := TokenBatch{MinAssuranceForResolution: 2}
	require.False(t, pinned.isUnpinned())

	unpinned := TokenBatch{MinAssuranceForResolution: -1}
	require.True(t, unpinned.isUnpinned())
}

func TestTokenBatchHalfLifeExpired(t *testing.T) {
	now := time.Now()
	ttl := time.Hour
	fresh := TokenBatch{Expires: now.Add(ttl)}
	require.False(t, fresh.halfLifeExpired(now, ttl))

	stale := TokenBatch{Expires: now.Add(ttl / 4)}
	require.True(t, stale.halfLifeExpired(now, ttl))
}

func TestBatchUsableRejectsExpired(t *testing.T) {
	e := &engine{}
	bv := BatchVersion{ID: 1, Options: DefaultBatchVersionOptions()}
	batch := TokenBatch{
		BatchVersion:        bv.ID,
		RemainingTokenCount: 5,
		Expires:             time.Now().Add(-time.Minute),
	}
	require.False(t, e.batchUsable(batch, bv, Entity{}))
}

func TestBatchUsableRejectsVersionMismatch(t *testing.T) {
	e := &engine{}
	bv := BatchVersion{ID: 2, Options: DefaultBatchVersionOptions()}
	batch := TokenBatch{
		BatchVersion:        1,
		RemainingTokenCount: 5,
		Expires:             time.Now().Add(time.Hour),
	}
	require.False(t, e.batchUsable(batch, bv, Entity{}))
}

func TestBatchUsableRejectsStaleInvalidationCount(t *testing.T) {
	e := &engine{}
	bv := BatchVersion{ID: 1, Options: DefaultBatchVersionOptions()}
	batch := TokenBatch{
		BatchVersion:              bv.ID,
		RemainingTokenCount:       5,
		Expires:                   time.Now().Add(time.Hour),
		MinAssuranceForResolution: -1,
		BatchInvalidationCount:    0,
	}
	entity := Entity{BatchInvalidationCount: 1}
	require.False(t, e.batchUsable(batch, bv, entity))
}

func TestBatchUsableAcceptsFreshUnpinnedBatch(t *testing.T) {
	e := &engine{}
	bv := BatchVersion{ID: 1, Options: DefaultBatchVersionOptions()}
	batch := TokenBatch{
		BatchVersion:              bv.ID,
		RemainingTokenCount:       5,
		Expires:                   time.Now().Add(time.Hour),
		MinAssuranceForResolution: -1,
		BatchInvalidationCount:    2,
	}
	entity := Entity{BatchInvalidationCount: 2}
	require.True(t, e.batchUsable(batch, bv, entity))
}

// TestCreateTokensAcrossBatchesNeverReusesIndex exercises the exact
// scenario that regressed: two CreateTokens calls sharing one batch, plus
// a third that rolls onto a freshly created one. Every issued token must
// decode to a distinct (batchId, index) pair; a collision means two live
// tokens would resolve to the same bit in the batch's resolved list.
func TestCreateTokensAcrossBatchesNeverReusesIndex(t *testing.T) {
	versionStore := newFakeBatchVersionStore()
	registry, err := NewBatchVersionRegistry(versionStore)
	require.NoError(t, err)
	signer, err := NewHMACSHA256Signer("tok-1", bytes.Repeat([]byte{0x44}, 32))
	require.NoError(t, err)
	provider := NewStaticTokenizerProvider("tok-1", signer)

	ctx := context.Background()
	_, err = registry.EnsureForTokenizer(ctx, "tok-1", DefaultBatchVersionOptions())
	require.NoError(t, err)

	entities := newFakeEntityStore()
	e := &engine{
		entities:      entities,
		batches:       newFakeTokenBatchStore(),
		registrations: newFakeRegistrationStore(),
		pairwise:      newFakePairwiseStore(),
		versions:      registry,
		provider:      provider,
		encryptor:     fakeEncryptor{},
	}

	internalID := bytes.Repeat([]byte{0x09}, 16)
	// An entity must already exist for its open-batch pointer to persist
	// across calls; without one, createBatch's SetOpenBatch is a silent
	// no-op and every call mints an unrelated fresh batch.
	_, err = entities.Upsert(ctx, newEntity(internalID, time.Hour, defaultMinAssuranceForResolution))
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		toks, err := e.createTokens(ctx, createTokensOptions{
			InternalID: internalID,
			TokenCount: 100,
		})
		require.NoErrorf(t, err, "create tokens (call %d)", i)
		require.Lenf(t, toks, 100, "call %d", i)

		for _, tok := range toks {
			parsed, err := e.parse(ctx, tok)
			require.NoError(t, err)
			key := fmt.Sprintf("%x/%d", parsed.BatchID, parsed.Index)
			require.Falsef(t, seen[key], "index %d reused on batch %x", parsed.Index, parsed.BatchID)
			seen[key] = true
		}
	}
	require.Len(t, seen, 300)
}

func TestUnmarshalTokenBatchRoundTrip(t *testing.T) {
	resolved := newBitString()
	resolved.Set(3)
	resolvedBytes, err := resolved.Marshal()
	require.NoError(t, err)

	requesterBits := newBitString()
	requesterBits.Set(3)
	requesterBytes, err := requesterBits.Marshal()
	require.NoError(t, err)

	now := time.Now()
	f := TokenBatchFields{
		ID:                  []byte{0xAA, 0xBB},
		InternalID:          []byte{0x01, 0x02},
		BatchVersion:        9,
		ResolvedListBytes:   resolvedBytes,
		ResolutionBytes:     map[string][]byte{"requester-1": requesterBytes},
		MaxTokenCount:       256,
		RemainingTokenCount: 200,
		Expires:             now.Add(time.Hour),
		Created:             now,
		Updated:             now,
	}

	batch, err := UnmarshalTokenBatch(f)
	require.NoError(t, err)
	require.Equal(t, f.ID, batch.ID)
	require.True(t, batch.ResolvedList.Test(3))

	bits, ok := batch.Resolution["requester-1"]
	require.True(t, ok)
	require.True(t, bits.Test(3))
}
