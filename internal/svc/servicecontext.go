package svc

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vaultpoint/tokenizer/internal/config"
	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
	"github.com/vaultpoint/tokenizer/pkg/tokenizer/store/mongostore"
	"github.com/vaultpoint/tokenizer/pkg/tokenizer/store/rediscache"
)

// ServiceContext wires the Mongo-backed stores, the optional Redis L2
// cache, and the in-process capability provider into a running
// tokenizer.Engine, following the goctl-scaffolded svc.NewServiceContext
// convention every rpc/api service in this codebase uses.
type ServiceContext struct {
	Config config.Config
	Mongo  *mongo.Client
	Engine *tokenizer.Engine

	redisCache *rediscache.Store
}

// NewServiceContext connects to Mongo, creates its indexes with
// mongostore.Migrate, optionally wraps the batch-version store with the
// Redis L2 cache, and constructs the tokenizer engine. Dial and index
// creation failures panic, since a service with no reachable store cannot
// serve anything.
func NewServiceContext(c config.Config) *ServiceContext {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.Mongo.URI))
	if err != nil {
		panic(fmt.Errorf("tokenizerd: connect mongo: %w", err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		panic(fmt.Errorf("tokenizerd: ping mongo: %w", err))
	}
	db := client.Database(c.Mongo.Database)
	if err := mongostore.Migrate(ctx, db, c.Mongo.AutoRemoveExpiredRecords); err != nil {
		panic(fmt.Errorf("tokenizerd: migrate mongo indexes: %w", err))
	}

	entities := mongostore.NewEntityStore(db)
	batches := mongostore.NewTokenBatchStore(db)
	registrations := mongostore.NewRegistrationStore(db)
	pairwise := mongostore.NewPairwiseTokenStore(db, c.Defaults.EnsurePairwiseTokenValueIndex)

	var versionStore tokenizer.BatchVersionStore = mongostore.NewBatchVersionStore(db)

	var redisCache *rediscache.Store
	if c.Redis.Enabled() {
		redisCache, err = rediscache.New(rediscache.Config{
			Host:     c.Redis.Host,
			Port:     c.Redis.Port,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			TTL:      c.Redis.CacheTTL,
		}, versionStore)
		if err != nil {
			panic(fmt.Errorf("tokenizerd: connect redis: %w", err))
		}
		versionStore = redisCache
	}

	provider, err := defaultProvider(c)
	if err != nil {
		panic(fmt.Errorf("tokenizerd: build tokenizer provider: %w", err))
	}

	engine, err := tokenizer.NewEngine(tokenizer.Dependencies{
		Entities:      entities,
		Batches:       batches,
		Registrations: registrations,
		Pairwise:      pairwise,
		Versions:      versionStore,
		Provider:      provider,
		Encryptor:     tokenizer.NewChaCha20Poly1305Encryptor(),
	}, tokenizer.Options{
		TokenCreationConcurrency:      c.Defaults.TokenCreationConcurrency,
		DefaultVersionOptions:         c.Defaults.BatchVersionOptions(),
		EnsurePairwiseTokenValueIndex: c.Defaults.EnsurePairwiseTokenValueIndex,
		AutoRemoveExpiredRecords:      c.Mongo.AutoRemoveExpiredRecords,
	})
	if err != nil {
		panic(fmt.Errorf("tokenizerd: build engine: %w", err))
	}

	return &ServiceContext{
		Config:     c,
		Mongo:      client,
		Engine:     engine,
		redisCache: redisCache,
	}
}

// defaultProvider builds the in-process TokenizerProvider used when no
// external KMS is configured: a single tokenizer id signed with a
// randomly-generated, process-lifetime key. Production deployments should
// replace this with a TokenizerProvider backed by a real KMS; the engine
// only depends on the interface.
func defaultProvider(c config.Config) (tokenizer.TokenizerProvider, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	signer, err := tokenizer.NewHMACSHA256Signer(c.Name, key)
	if err != nil {
		return nil, err
	}
	return tokenizer.NewStaticTokenizerProvider(c.Name, signer), nil
}

// Close releases the Mongo client and, if configured, the Redis L2 cache
// connection. Called from cmd/tokenizerd's shutdown path.
func (sc *ServiceContext) Close(ctx context.Context) error {
	if sc.redisCache != nil {
		_ = sc.redisCache.Close()
	}
	return sc.Mongo.Disconnect(ctx)
}
