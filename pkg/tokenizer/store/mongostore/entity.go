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

type entityDocument struct {
	InternalID                 []byte            `bson:"internalId"`
	ExternalIDHash              []byte           `bson:"externalIdHash,omitempty"`
	BatchInvalidationCount      int              `bson:"batchInvalidationCount"`
	OpenBatch                   map[string][]byte `bson:"openBatch"`
	MinAssuranceForResolution   int              `bson:"minAssuranceForResolution"`
	LastAssuranceFailure        *assuranceFailureDocument `bson:"lastAssuranceFailedTokenResolution,omitempty"`
	LastBatchInvalidationDate   time.Time        `bson:"lastBatchInvalidationDate,omitempty"`
	Expires                     time.Time        `bson:"expires"`
	Created                     time.Time        `bson:"created"`
	Updated                     time.Time        `bson:"updated"`
}

type assuranceFailureDocument struct {
	BatchID                []byte    `bson:"batchId"`
	BatchInvalidationCount int       `bson:"batchInvalidationCount"`
	Date                   time.Time `bson:"date"`
}

func toEntity(d entityDocument) tokenizer.Entity {
	e := tokenizer.Entity{
		InternalID:                 d.InternalID,
		ExternalIDHash:             d.ExternalIDHash,
		BatchInvalidationCount:     d.BatchInvalidationCount,
		OpenBatch:                  d.OpenBatch,
		MinAssuranceForResolution:  d.MinAssuranceForResolution,
		LastBatchInvalidationDate:  d.LastBatchInvalidationDate,
		Expires:                    d.Expires,
		Created:                    d.Created,
		Updated:                    d.Updated,
	}
	if d.OpenBatch == nil {
		e.OpenBatch = map[string][]byte{}
	}
	if d.LastAssuranceFailure != nil {
		e.LastAssuranceFailedTokenResolution = &tokenizer.AssuranceFailure{
			BatchID:                d.LastAssuranceFailure.BatchID,
			BatchInvalidationCount: d.LastAssuranceFailure.BatchInvalidationCount,
			Date:                   d.LastAssuranceFailure.Date,
		}
	}
	return e
}

// EntityStore implements tokenizer.EntityStore on MongoDB.
type EntityStore struct {
	col *mongo.Collection
}

// NewEntityStore wraps the given collection.
func NewEntityStore(db *mongo.Database) *EntityStore {
	return &EntityStore{col: db.Collection(entityCollectionName)}
}

func (s *EntityStore) Get(ctx context.Context, internalID []byte) (tokenizer.Entity, error) {
	filter := bson.D{{Key: "internalId", Value: internalID}}
	filter = append(filter, notExpiredFilter(time.Now())...)

	var doc entityDocument
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return tokenizer.Entity{}, fmt.Errorf("mongostore: get entity: %w", wrapNotFound(err))
	}
	return toEntity(doc), nil
}

func (s *EntityStore) Upsert(ctx context.Context, entity tokenizer.Entity) (tokenizer.Entity, error) {
	now := time.Now()
	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "expires", Value: entity.Expires}}},
		{Key: "$set", Value: bson.D{{Key: "updated", Value: now}}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "internalId", Value: entity.InternalID},
			{Key: "batchInvalidationCount", Value: 0},
			{Key: "openBatch", Value: map[string][]byte{}},
			{Key: "minAssuranceForResolution", Value: defaultAssurance(entity.MinAssuranceForResolution)},
			{Key: "created", Value: now},
		}},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc entityDocument
	err := s.col.FindOneAndUpdate(ctx, bson.D{{Key: "internalId", Value: entity.InternalID}}, update, opts).Decode(&doc)
	if err != nil {
		return tokenizer.Entity{}, fmt.Errorf("mongostore: upsert entity: %w", wrapWrite(err))
	}
	return toEntity(doc), nil
}

func defaultAssurance(v int) int {
	if v == 0 {
		return 2
	}
	return v
}

func (s *EntityStore) SetOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, batchID []byte, newExpires time.Time, expectedInvalidationCount int, checkInvalidationCount bool) error {
	filter := bson.D{{Key: "internalId", Value: internalID}}
	if checkInvalidationCount {
		filter = append(filter, bson.E{Key: "batchInvalidationCount", Value: expectedInvalidationCount})
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "openBatch." + pinLevelKey, Value: batchID},
			{Key: "updated", Value: time.Now()},
		}},
		{Key: "$max", Value: bson.D{
			{Key: "expires", Value: newExpires},
		}},
	}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: set open batch: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: set open batch: %w", tokenizer.ErrInvalidState)
	}
	return nil
}

func (s *EntityStore) ClearOpenBatch(ctx context.Context, internalID []byte, pinLevelKey string, expectedBatchID []byte) (bool, error) {
	filter := bson.D{
		{Key: "internalId", Value: internalID},
		{Key: "openBatch." + pinLevelKey, Value: expectedBatchID},
	}
	update := bson.D{{Key: "$unset", Value: bson.D{{Key: "openBatch." + pinLevelKey, Value: ""}}}}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongostore: clear open batch: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *EntityStore) IncrementInvalidationCount(ctx context.Context, internalID []byte, observed int) error {
	filter := bson.D{
		{Key: "internalId", Value: internalID},
		{Key: "batchInvalidationCount", Value: observed},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "batchInvalidationCount", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "lastBatchInvalidationDate", Value: time.Now()}, {Key: "updated", Value: time.Now()}}},
	}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: increment invalidation count: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: increment invalidation count: %w", tokenizer.ErrInvalidState)
	}
	return nil
}

func (s *EntityStore) SetMinAssuranceForResolution(ctx context.Context, internalID []byte, newLevel int, observedInvalidationCount int) (bool, error) {
	filter := bson.D{
		{Key: "internalId", Value: internalID},
		{Key: "batchInvalidationCount", Value: observedInvalidationCount},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "minAssuranceForResolution", Value: newLevel},
		{Key: "updated", Value: time.Now()},
	}}}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongostore: set min assurance for resolution: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *EntityStore) RecordAssuranceFailure(ctx context.Context, internalID []byte, failure tokenizer.AssuranceFailure) error {
	filter := bson.D{{Key: "internalId", Value: internalID}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "lastAssuranceFailedTokenResolution", Value: assuranceFailureDocument{
			BatchID:                failure.BatchID,
			BatchInvalidationCount: failure.BatchInvalidationCount,
			Date:                   failure.Date,
		}},
		{Key: "updated", Value: time.Now()},
	}}}
	_, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: record assurance failure: %w", err)
	}
	return nil
}
