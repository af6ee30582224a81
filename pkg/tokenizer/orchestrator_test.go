package tokenizer_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
	"github.com/vaultpoint/tokenizer/pkg/tokenizer/store/memstore"
)

func newTestEngine(t *testing.T) *tokenizer.Engine {
	t.Helper()
	store := memstore.New(time.Minute)
	t.Cleanup(store.Close)

	signer, err := tokenizer.NewHMACSHA256Signer("tok-1", bytes.Repeat([]byte{0x33}, 32))
	require.NoError(t, err)
	provider := tokenizer.NewStaticTokenizerProvider("tok-1", signer)

	eng, err := tokenizer.NewEngine(tokenizer.Dependencies{
		Entities:      store.Entities,
		Batches:       store.Batches,
		Registrations: store.Registrations,
		Pairwise:      store.Pairwise,
		Versions:      store.Versions,
		Provider:      provider,
	}, tokenizer.Options{
		EnsurePairwiseTokenValueIndex: true,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Migrate(context.Background()))
	return eng
}

func TestEngineCreateTokensRejectsOutOfRangeCount(t *testing.T) {
	eng := newTestEngine(t)
	internalID := bytes.Repeat([]byte{0x01}, 16)

	_, err := eng.CreateTokens(context.Background(), tokenizer.CreateTokensInput{
		InternalID: internalID,
		TokenCount: 0,
	})
	require.ErrorIs(t, err, tokenizer.ErrInvalidArgument)

	_, err = eng.CreateTokens(context.Background(), tokenizer.CreateTokensInput{
		InternalID: internalID,
		TokenCount: 101,
	})
	require.ErrorIs(t, err, tokenizer.ErrInvalidArgument)

	_, err = eng.CreateTokens(context.Background(), tokenizer.CreateTokensInput{
		InternalID: []byte{0x01, 0x02},
		TokenCount: 5,
	})
	require.ErrorIs(t, err, tokenizer.ErrInvalidArgument)
}

func TestEngineCreateTokensIssuesRequestedCount(t *testing.T) {
	eng := newTestEngine(t)
	internalID := bytes.Repeat([]byte{0x02}, 16)

	toks, err := eng.CreateTokens(context.Background(), tokenizer.CreateTokensInput{
		InternalID: internalID,
		TokenCount: 37,
	})
	require.NoError(t, err)
	require.Len(t, toks, 37)

	seen := make(map[string]bool, len(toks))
	for _, tok := range toks {
		require.False(t, seen[string(tok)], "duplicate token minted")
		seen[string(tok)] = true
	}
}

func TestEngineCreateTokensAcrossMultipleBatches(t *testing.T) {
	eng := newTestEngine(t)

	// Register first so the entity record exists and its open-batch
	// pointer actually carries over between CreateTokens calls.
	reg, err := eng.RegisterDocument(context.Background(), tokenizer.RegisterDocumentInput{
		ExternalID:     "multi-batch@example.com",
		Document:       []byte("account-number-998877"),
		RecipientChain: [][]byte{bytes.Repeat([]byte{0x66}, 32)},
	})
	require.NoError(t, err)

	// DefaultBatchVersionOptions caps a single batch at 256 tokens; three
	// calls of 100 sum to 300, forcing the find-or-create loop to roll
	// onto a fresh batch partway through.
	total := 0
	seenTokens := map[string]bool{}
	for i := 0; i < 3; i++ {
		toks, err := eng.CreateTokens(context.Background(), tokenizer.CreateTokensInput{
			InternalID: reg.InternalID,
			TokenCount: 100,
		})
		require.NoErrorf(t, err, "create tokens (call %d)", i)
		require.Lenf(t, toks, 100, "call %d", i)
		total += len(toks)

		for _, tok := range toks {
			require.False(t, seenTokens[string(tok)], "duplicate token minted")
			seenTokens[string(tok)] = true
		}
	}
	require.Equal(t, 300, total)

	// If two tokens ever shared a (batchId, index) pair, resolving one
	// would flip the shared resolved-list bit and the other would look
	// "already used" to a requester that never saw it. Resolve all 300
	// with distinct requesters and require every one to succeed.
	i := 0
	for tok := range seenTokens {
		i++
		_, err := eng.ResolveToPairwise(context.Background(), tokenizer.ResolveToPairwiseInput{
			Requester:        fmt.Sprintf("relying-party-%d", i),
			Token:            tokenizer.Token([]byte(tok)),
			LevelOfAssurance: 5,
		})
		require.NoErrorf(t, err, "resolve token %d", i)
	}
}

func TestEngineRegisterDocumentAndCreateTokensCouplesExpiry(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.RegisterDocumentAndCreateTokens(context.Background(), tokenizer.RegisterDocumentAndCreateTokensInput{
		Register: tokenizer.RegisterDocumentInput{
			ExternalID:     "person@example.com",
			Document:       []byte("drivers-license-number"),
			RecipientChain: [][]byte{bytes.Repeat([]byte{0x44}, 32)},
		},
		TokenCount: 5,
	})
	require.NoError(t, err)
	require.Len(t, result.Tokens, 5)

	entity, err := eng.ResolveToEntity(context.Background(), result.Tokens[0], false)
	require.NoError(t, err)
	require.WithinDuration(t, result.Registration.Expires, entity.Expires, time.Minute)
}

func TestEngineResolveToPairwiseFullRoundTrip(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.RegisterDocumentAndCreateTokens(context.Background(), tokenizer.RegisterDocumentAndCreateTokensInput{
		Register: tokenizer.RegisterDocumentInput{
			ExternalID:     "round-trip@example.com",
			Document:       []byte("passport-number"),
			RecipientChain: [][]byte{bytes.Repeat([]byte{0x55}, 32)},
		},
		TokenCount: 1,
	})
	require.NoError(t, err)

	resolved, err := eng.ResolveToPairwise(context.Background(), tokenizer.ResolveToPairwiseInput{
		Requester:        "relying-party-a",
		Token:            result.Tokens[0],
		LevelOfAssurance: 5,
	})
	require.NoError(t, err)
	require.Equal(t, result.Registration.InternalID, resolved.InternalID)

	byValue, err := eng.ResolvePairwiseToken(context.Background(), resolved.PairwiseToken)
	require.NoError(t, err)
	require.Equal(t, result.Registration.InternalID, byValue.InternalID)
}

func TestEngineResolvePairwiseTokenDisabledByDefault(t *testing.T) {
	store := memstore.New(time.Minute)
	t.Cleanup(store.Close)
	signer, err := tokenizer.NewHMACSHA256Signer("tok-2", bytes.Repeat([]byte{0x66}, 32))
	require.NoError(t, err)
	eng, err := tokenizer.NewEngine(tokenizer.Dependencies{
		Entities:      store.Entities,
		Batches:       store.Batches,
		Registrations: store.Registrations,
		Pairwise:      store.Pairwise,
		Versions:      store.Versions,
		Provider:      tokenizer.NewStaticTokenizerProvider("tok-2", signer),
	}, tokenizer.Options{})
	require.NoError(t, err)

	_, err = eng.ResolvePairwiseToken(context.Background(), []byte("anything"))
	require.ErrorIs(t, err, tokenizer.ErrNotAllowed)
}

func TestEngineInvalidateThenReResolveRejectsUnpinnedToken(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.RegisterDocumentAndCreateTokens(context.Background(), tokenizer.RegisterDocumentAndCreateTokensInput{
		Register: tokenizer.RegisterDocumentInput{
			ExternalID:     "invalidation-target@example.com",
			Document:       []byte("ssn"),
			RecipientChain: [][]byte{bytes.Repeat([]byte{0x77}, 32)},
		},
		TokenCount:                2,
		MinAssuranceForResolution: -1, // unpinned
	})
	require.NoError(t, err)

	require.NoError(t, eng.InvalidateUnpinnedBatches(context.Background(), result.Registration.InternalID))

	_, err = eng.ResolveToPairwise(context.Background(), tokenizer.ResolveToPairwiseInput{
		Requester:        "relying-party-b",
		Token:            result.Tokens[0],
		LevelOfAssurance: 5,
	})
	require.ErrorIs(t, err, tokenizer.ErrNotAllowed)
	require.Equal(t, tokenizer.ReasonInvalidated, tokenizer.NotAllowedReason(err))
}
