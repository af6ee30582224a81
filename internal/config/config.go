package config

import (
	"time"

	"github.com/zeromicro/go-zero/core/service"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

// Config is loaded by conf.MustLoad the way every goctl-scaffolded service
// in this codebase loads its etc/*.yaml, generalized beyond spec.md's
// table of operations to the storage and cache endpoints a deployed
// tokenizer needs.
type Config struct {
	service.ServiceConf

	Mongo    MongoConfig
	Redis    RedisConfig
	Defaults DefaultsConfig
}

// MongoConfig points at the document store backing every tokenizer.*Store
// implementation in pkg/tokenizer/store/mongostore.
type MongoConfig struct {
	URI                      string `json:",env=TOKENIZER_MONGO_URI"`
	Database                 string `json:",default=tokenizer"`
	AutoRemoveExpiredRecords bool   `json:",default=true"`
}

// RedisConfig configures the optional L2 cache in front of the
// batch-version registry (pkg/tokenizer/store/rediscache). Host left empty
// disables the L2 cache entirely; the registry still has its in-process
// LRU.
type RedisConfig struct {
	Host     string        `json:",optional"`
	Port     int           `json:",default=6379"`
	Password string        `json:",optional"`
	DB       int           `json:",default=0"`
	CacheTTL time.Duration `json:",default=5m"`
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// DefaultsConfig seeds tokenizer.Options and the default batch-version
// parameters new tokenizers are allocated with.
type DefaultsConfig struct {
	BatchIDSize                   int           `json:",default=16"`
	BatchSaltSize                 int           `json:",default=8"`
	MaxTokenCount                 int           `json:",default=256"`
	BatchTTL                      time.Duration `json:",default=1h"`
	TokenCreationConcurrency      int           `json:",default=5"`
	EnsurePairwiseTokenValueIndex bool          `json:",default=true"`
}

func (d DefaultsConfig) BatchVersionOptions() tokenizer.BatchVersionOptions {
	opts := tokenizer.DefaultBatchVersionOptions()
	if d.BatchIDSize > 0 {
		opts.BatchIDSize = d.BatchIDSize
	}
	if d.BatchSaltSize > 0 {
		opts.BatchSaltSize = d.BatchSaltSize
	}
	if d.MaxTokenCount > 0 {
		opts.MaxTokenCount = d.MaxTokenCount
	}
	if d.BatchTTL > 0 {
		opts.TTL = d.BatchTTL
	}
	return opts
}
