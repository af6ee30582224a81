package tokenizer

import (
	"context"
	"fmt"
	"time"
)

// Options configures an Engine.
type Options struct {
	// TokenCreationConcurrency bounds parallel token-codec invocations
	// per createTokens call. Defaults to 5.
	TokenCreationConcurrency int

	// DefaultVersionOptions seeds the batch-version registry the first
	// time a tokenizer mints a batch version.
	DefaultVersionOptions BatchVersionOptions

	// EnsurePairwiseTokenValueIndex enables PairwiseTokenStore.ResolveByValue.
	// Stores that did not build the reverse index should reject the call
	// regardless of this flag; it exists so callers can fail fast.
	EnsurePairwiseTokenValueIndex bool

	// AutoRemoveExpiredRecords records whether the store layer maintains
	// TTL-based expiration. The engine does not read it and does not pass
	// it to any store; TTL indexes are created by the store's own setup
	// (mongostore.Migrate). The engine always treats expired records as
	// absent regardless of this setting.
	AutoRemoveExpiredRecords bool
}

func (o Options) withDefaults() Options {
	if o.TokenCreationConcurrency <= 0 {
		o.TokenCreationConcurrency = defaultTokenCreationConcurrency
	}
	if o.DefaultVersionOptions == (BatchVersionOptions{}) {
		o.DefaultVersionOptions = DefaultBatchVersionOptions()
	}
	return o
}

// Engine is the tokenization engine's public surface: the orchestrator
// wrapping the stores, codec, and collaborators behind a single set of
// operations.
type Engine struct {
	e    *engine
	opts Options
}

// Dependencies are the collaborators an Engine is built from.
type Dependencies struct {
	Entities      EntityStore
	Batches       TokenBatchStore
	Registrations RegistrationStore
	Pairwise      PairwiseTokenStore
	Versions      BatchVersionStore
	Provider      TokenizerProvider
	Encryptor     DocumentEncryptor // optional; defaults to ChaCha20-Poly1305
}

// NewEngine wires deps into a usable Engine.
func NewEngine(deps Dependencies, opts Options) (*Engine, error) {
	if deps.Entities == nil || deps.Batches == nil || deps.Registrations == nil || deps.Pairwise == nil || deps.Versions == nil || deps.Provider == nil {
		return nil, InvalidArgument("deps", "all stores and the tokenizer provider are required")
	}
	encryptor := deps.Encryptor
	if encryptor == nil {
		encryptor = NewChaCha20Poly1305Encryptor()
	}

	registry, err := NewBatchVersionRegistry(deps.Versions)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	return &Engine{
		e: &engine{
			entities:                 deps.Entities,
			batches:                  deps.Batches,
			registrations:            deps.Registrations,
			pairwise:                 deps.Pairwise,
			versions:                 registry,
			provider:                 deps.Provider,
			encryptor:                encryptor,
			tokenCreationConcurrency: opts.TokenCreationConcurrency,
		},
		opts: opts,
	}, nil
}

// RegisterDocumentInput is the input to RegisterDocument.
type RegisterDocumentInput struct {
	ExternalID                string
	Document                  []byte
	RecipientChain            [][]byte
	TTL                       time.Duration
	Creator                   string
	MinAssuranceForResolution int
	NewRegistration           RegistrationExpectation
	InternalID                []byte
}

// RegisterDocument implements registerDocument.
func (eng *Engine) RegisterDocument(ctx context.Context, in RegisterDocumentInput) (Registration, error) {
	return eng.e.registerDocument(ctx, registerDocumentOptions{
		ExternalID:                in.ExternalID,
		Document:                  in.Document,
		RecipientChain:            in.RecipientChain,
		TTL:                       in.TTL,
		Creator:                   in.Creator,
		MinAssuranceForResolution: in.MinAssuranceForResolution,
		NewRegistration:           in.NewRegistration,
		InternalID:                in.InternalID,
	})
}

// CreateTokensInput is the input to CreateTokens.
type CreateTokensInput struct {
	InternalID                []byte
	Attributes                []byte
	TokenCount                int
	MinAssuranceForResolution int
}

// CreateTokens implements createTokens.
func (eng *Engine) CreateTokens(ctx context.Context, in CreateTokensInput) ([]Token, error) {
	return eng.e.createTokens(ctx, createTokensOptions{
		InternalID:                in.InternalID,
		Attributes:                in.Attributes,
		TokenCount:                in.TokenCount,
		MinAssuranceForResolution: minAssuranceOrDefault(in.MinAssuranceForResolution),
	})
}

func minAssuranceOrDefault(v int) int {
	if v == 0 {
		return defaultMinAssuranceForResolution
	}
	return v
}

// RegisterDocumentAndCreateTokensInput is the input to
// RegisterDocumentAndCreateTokens.
type RegisterDocumentAndCreateTokensInput struct {
	Register                  RegisterDocumentInput
	Attributes                []byte
	TokenCount                int
	MinAssuranceForResolution int
}

// RegisterDocumentAndCreateTokensResult pairs the two operations' outputs.
type RegisterDocumentAndCreateTokensResult struct {
	Registration Registration
	Tokens       []Token
}

// RegisterDocumentAndCreateTokens registers a document and mints tokens
// for it in one call: register and create run against the same
// internal id, looping if the registration resolved to a different
// internal id than the one tokens were minted under.
func (eng *Engine) RegisterDocumentAndCreateTokens(ctx context.Context, in RegisterDocumentAndCreateTokensInput) (RegisterDocumentAndCreateTokensResult, error) {
	reg := in.Register

	const maxIterations = 4
	for attempt := 0; attempt < maxIterations; attempt++ {
		internalID := reg.InternalID
		if internalID == nil {
			if existing, err := eng.peekExistingInternalID(ctx, reg); err == nil {
				internalID = existing
			} else if id, genErr := randomInternalID(); genErr == nil {
				internalID = id
			} else {
				return RegisterDocumentAndCreateTokensResult{}, genErr
			}
		}

		type registerOutcome struct {
			reg Registration
			err error
		}
		regCh := make(chan registerOutcome, 1)
		go func() {
			regIn := reg
			regIn.InternalID = internalID
			r, err := eng.RegisterDocument(ctx, regIn)
			regCh <- registerOutcome{reg: r, err: err}
		}()

		tokens, tokenErr := eng.CreateTokens(ctx, CreateTokensInput{
			InternalID:                internalID,
			Attributes:                in.Attributes,
			TokenCount:                in.TokenCount,
			MinAssuranceForResolution: in.MinAssuranceForResolution,
		})

		outcome := <-regCh
		if outcome.err != nil {
			return RegisterDocumentAndCreateTokensResult{}, outcome.err
		}
		if tokenErr != nil {
			return RegisterDocumentAndCreateTokensResult{}, tokenErr
		}

		if bytesEqual(outcome.reg.InternalID, internalID) {
			return RegisterDocumentAndCreateTokensResult{Registration: outcome.reg, Tokens: tokens}, nil
		}
		// Tokens were minted against the wrong internal id; they will
		// simply expire unused. Retry against the id the registration
		// actually settled on.
		reg.InternalID = outcome.reg.InternalID
	}
	return RegisterDocumentAndCreateTokensResult{}, fmt.Errorf("tokenizer: register document and create tokens: %w: exceeded retry bound", ErrInvalidState)
}

func (eng *Engine) peekExistingInternalID(ctx context.Context, in RegisterDocumentInput) ([]byte, error) {
	tokenizerID, err := eng.e.provider.CurrentTokenizerID(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := eng.e.provider.Signer(ctx, tokenizerID)
	if err != nil {
		return nil, err
	}
	externalIDHash, documentHash, err := eng.e.hashRegistrationKeys(ctx, signer, in.ExternalID, in.Document)
	if err != nil {
		return nil, err
	}
	existing, err := eng.e.registrations.Get(ctx, externalIDHash, documentHash)
	if err != nil {
		return nil, err
	}
	return existing.InternalID, nil
}

// ResolveToPairwiseInput is the input to ResolveToPairwise.
type ResolveToPairwiseInput struct {
	Requester                      string
	Token                          Token
	LevelOfAssurance               int
	AllowResolvedInvalidatedTokens bool
}

// ResolveToPairwise implements resolveToPairwise.
func (eng *Engine) ResolveToPairwise(ctx context.Context, in ResolveToPairwiseInput) (ResolveResult, error) {
	return eng.e.resolveToPairwise(ctx, resolveOptions{
		Requester:                      in.Requester,
		Token:                          in.Token,
		LevelOfAssurance:               in.LevelOfAssurance,
		AllowResolvedInvalidatedTokens: in.AllowResolvedInvalidatedTokens,
	})
}

// ResolveToInternalID implements resolveToInternalId.
func (eng *Engine) ResolveToInternalID(ctx context.Context, token Token) ([]byte, error) {
	return eng.e.resolveToInternalID(ctx, token)
}

// ResolveToEntity implements resolveToEntity.
func (eng *Engine) ResolveToEntity(ctx context.Context, token Token, allowInvalidatedTokens bool) (Entity, error) {
	return eng.e.resolveToEntity(ctx, token, allowInvalidatedTokens)
}

// InvalidateUnpinnedBatches implements it.
func (eng *Engine) InvalidateUnpinnedBatches(ctx context.Context, internalID []byte) error {
	return eng.e.invalidateUnpinnedBatches(ctx, internalID)
}

// SetMinAssuranceForResolutionInput is the input to
// SetMinAssuranceForResolution.
type SetMinAssuranceForResolutionInput struct {
	Entity                                 *Entity
	InternalID                             []byte
	NewLevel                               int
	RequireAssuranceFailedTokenResolution  bool
	LastBatchInvalidationNotAfter          time.Time
}

// SetMinAssuranceForResolution implements it.
func (eng *Engine) SetMinAssuranceForResolution(ctx context.Context, in SetMinAssuranceForResolutionInput) (bool, error) {
	return eng.e.setMinAssuranceForResolution(ctx, setMinAssuranceOptions{
		Entity:                                 in.Entity,
		InternalID:                             in.InternalID,
		NewLevel:                               in.NewLevel,
		RequireAssuranceFailedTokenResolution:  in.RequireAssuranceFailedTokenResolution,
		LastBatchInvalidationNotAfter:          in.LastBatchInvalidationNotAfter,
	})
}

// UpdateEntityWithNoValidTokenBatches implements it.
func (eng *Engine) UpdateEntityWithNoValidTokenBatches(ctx context.Context, entity Entity, newMinAssurance int) (bool, error) {
	return eng.e.updateEntityWithNoValidTokenBatches(ctx, entity, newMinAssurance)
}

// GetPairwiseToken implements getPairwiseToken.
func (eng *Engine) GetPairwiseToken(ctx context.Context, internalID []byte, requester string) (PairwiseToken, error) {
	return eng.e.getPairwiseToken(ctx, internalID, requester)
}

// UpsertPairwiseToken implements upsertPairwiseToken.
func (eng *Engine) UpsertPairwiseToken(ctx context.Context, internalID []byte, requester string, expires *time.Time) (PairwiseToken, error) {
	return eng.e.upsertPairwiseToken(ctx, internalID, requester, expires)
}

// ResolvePairwiseToken implements resolvePairwiseToken.
func (eng *Engine) ResolvePairwiseToken(ctx context.Context, value []byte) (PairwiseToken, error) {
	if !eng.opts.EnsurePairwiseTokenValueIndex {
		return PairwiseToken{}, NotAllowed(ReasonQueryDisabled)
	}
	return eng.e.resolvePairwiseToken(ctx, value)
}

// EnsureBatchVersion implements ensureForTokenizer.
func (eng *Engine) EnsureBatchVersion(ctx context.Context, tokenizerID string) (BatchVersion, error) {
	return eng.e.versions.EnsureForTokenizer(ctx, tokenizerID, eng.opts.DefaultVersionOptions)
}

// Migrate is the explicit startup hook called in place of a module-level
// "database ready" event: it ensures a batch version exists for the
// engine's current tokenizer before the engine serves traffic.
func (eng *Engine) Migrate(ctx context.Context) error {
	tokenizerID, err := eng.e.provider.CurrentTokenizerID(ctx)
	if err != nil {
		return fmt.Errorf("tokenizer: migrate: %w", err)
	}
	_, err = eng.EnsureBatchVersion(ctx, tokenizerID)
	return err
}
