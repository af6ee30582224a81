package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type batchVersionDocument struct {
	ID            uint16    `bson:"id"`
	TokenizerID   string    `bson:"tokenizerId"`
	BatchIDSize   int       `bson:"batchIdSize"`
	BatchSaltSize int       `bson:"batchSaltSize"`
	MaxTokenCount int       `bson:"maxTokenCount"`
	TTLMillis     int64     `bson:"ttlMillis"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// BatchVersionStore implements tokenizer.BatchVersionStore on MongoDB.
type BatchVersionStore struct {
	col *mongo.Collection
}

// NewBatchVersionStore wraps the given database's batchVersion collection.
func NewBatchVersionStore(db *mongo.Database) *BatchVersionStore {
	return &BatchVersionStore{col: db.Collection(batchVersionCollectionName)}
}

func toBatchVersionDocument(bv tokenizer.BatchVersion) batchVersionDocument {
	return batchVersionDocument{
		ID:            bv.ID,
		TokenizerID:   bv.TokenizerID,
		BatchIDSize:   bv.Options.BatchIDSize,
		BatchSaltSize: bv.Options.BatchSaltSize,
		MaxTokenCount: bv.Options.MaxTokenCount,
		TTLMillis:     bv.Options.TTL.Milliseconds(),
		CreatedAt:     bv.CreatedAt,
	}
}

func (d batchVersionDocument) toBatchVersion() tokenizer.BatchVersion {
	return tokenizer.BatchVersion{
		ID:          d.ID,
		TokenizerID: d.TokenizerID,
		Options: tokenizer.BatchVersionOptions{
			BatchIDSize:   d.BatchIDSize,
			BatchSaltSize: d.BatchSaltSize,
			MaxTokenCount: d.MaxTokenCount,
			TTL:           time.Duration(d.TTLMillis) * time.Millisecond,
		},
		CreatedAt: d.CreatedAt,
	}
}

func (s *BatchVersionStore) Insert(ctx context.Context, version tokenizer.BatchVersion) error {
	_, err := s.col.InsertOne(ctx, toBatchVersionDocument(version))
	if err != nil {
		return fmt.Errorf("mongostore: insert batch version: %w", wrapWrite(err))
	}
	return nil
}

func (s *BatchVersionStore) Get(ctx context.Context, id uint16) (tokenizer.BatchVersion, error) {
	var doc batchVersionDocument
	err := s.col.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&doc)
	if err != nil {
		return tokenizer.BatchVersion{}, fmt.Errorf("mongostore: get batch version: %w", wrapNotFound(err))
	}
	return doc.toBatchVersion(), nil
}

func (s *BatchVersionStore) Latest(ctx context.Context, tokenizerID string) (tokenizer.BatchVersion, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "id", Value: -1}})
	var doc batchVersionDocument
	err := s.col.FindOne(ctx, bson.D{{Key: "tokenizerId", Value: tokenizerID}}, opts).Decode(&doc)
	if err != nil {
		return tokenizer.BatchVersion{}, fmt.Errorf("mongostore: latest batch version: %w", wrapNotFound(err))
	}
	return doc.toBatchVersion(), nil
}
