// Package rediscache wraps a tokenizer.BatchVersionStore with an optional
// shared L2 cache. It sits between the BatchVersionRegistry's in-process
// LRU and the backing document store, so a cold LRU on one node doesn't
// force a round trip to Mongo when another node already resolved the same
// batch version.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

const (
	idPrefix     = "tokenizer:bv:id:"
	latestPrefix = "tokenizer:bv:latest:"
)

// Config holds the connection settings for the shared Redis cache.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

func (c Config) ttl() time.Duration {
	if c.TTL <= 0 {
		return 5 * time.Minute
	}
	return c.TTL
}

// Store decorates an underlying tokenizer.BatchVersionStore with a Redis
// read-through cache. Insert writes only to the underlying store and drops
// the tokenizer's cached "latest" entry.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	next   tokenizer.BatchVersionStore
}

// New connects to Redis and wraps next, testing connectivity with a
// 5-second timeout before returning.
func New(cfg Config, next tokenizer.BatchVersionStore) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		logx.Errorf("rediscache: failed to connect to redis: %v", err)
		return nil, fmt.Errorf("rediscache: connect: %w", err)
	}
	logx.Info("rediscache: connected to redis batch-version cache")

	return &Store{client: client, ttl: cfg.ttl(), next: next}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

type wireBatchVersion struct {
	ID            uint16
	TokenizerID   string
	BatchIDSize   int
	BatchSaltSize int
	MaxTokenCount int
	TTL           time.Duration
	CreatedAt     time.Time
}

func toWire(bv tokenizer.BatchVersion) wireBatchVersion {
	return wireBatchVersion{
		ID:            bv.ID,
		TokenizerID:   bv.TokenizerID,
		BatchIDSize:   bv.Options.BatchIDSize,
		BatchSaltSize: bv.Options.BatchSaltSize,
		MaxTokenCount: bv.Options.MaxTokenCount,
		TTL:           bv.Options.TTL,
		CreatedAt:     bv.CreatedAt,
	}
}

func fromWire(w wireBatchVersion) tokenizer.BatchVersion {
	return tokenizer.BatchVersion{
		ID:          w.ID,
		TokenizerID: w.TokenizerID,
		Options: tokenizer.BatchVersionOptions{
			BatchIDSize:   w.BatchIDSize,
			BatchSaltSize: w.BatchSaltSize,
			MaxTokenCount: w.MaxTokenCount,
			TTL:           w.TTL,
		},
		CreatedAt: w.CreatedAt,
	}
}

// Insert writes through to next, then invalidates the cached "latest"
// entry for the tokenizer since a newer version now exists.
func (s *Store) Insert(ctx context.Context, version tokenizer.BatchVersion) error {
	if err := s.next.Insert(ctx, version); err != nil {
		return err
	}
	s.client.Del(ctx, latestPrefix+version.TokenizerID)
	return nil
}

// Get consults Redis before falling back to next, populating the cache
// on a miss. This is the shared L2 in front of the registry's local LRU.
func (s *Store) Get(ctx context.Context, id uint16) (tokenizer.BatchVersion, error) {
	key := fmt.Sprintf("%s%d", idPrefix, id)
	if raw, err := s.client.Get(ctx, key).Result(); err == nil {
		var w wireBatchVersion
		if jerr := json.Unmarshal([]byte(raw), &w); jerr == nil {
			return fromWire(w), nil
		}
	} else if err != redis.Nil {
		logx.Errorf("rediscache: get batch version %d: %v", id, err)
	}

	bv, err := s.next.Get(ctx, id)
	if err != nil {
		return tokenizer.BatchVersion{}, err
	}
	s.store(ctx, key, bv)
	return bv, nil
}

// Latest consults Redis's cached pointer before falling back to next.
func (s *Store) Latest(ctx context.Context, tokenizerID string) (tokenizer.BatchVersion, error) {
	key := latestPrefix + tokenizerID
	if raw, err := s.client.Get(ctx, key).Result(); err == nil {
		var w wireBatchVersion
		if jerr := json.Unmarshal([]byte(raw), &w); jerr == nil {
			return fromWire(w), nil
		}
	} else if err != redis.Nil {
		logx.Errorf("rediscache: get latest batch version for %q: %v", tokenizerID, err)
	}

	bv, err := s.next.Latest(ctx, tokenizerID)
	if err != nil {
		return tokenizer.BatchVersion{}, err
	}
	s.store(ctx, key, bv)
	s.store(ctx, fmt.Sprintf("%s%d", idPrefix, bv.ID), bv)
	return bv, nil
}

func (s *Store) store(ctx context.Context, key string, bv tokenizer.BatchVersion) {
	buf, err := json.Marshal(toWire(bv))
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, buf, s.ttl).Err(); err != nil {
		logx.Errorf("rediscache: set %q: %v", key, err)
	}
}
