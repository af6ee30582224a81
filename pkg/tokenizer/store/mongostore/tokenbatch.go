package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vaultpoint/tokenizer/pkg/tokenizer"
)

type tokenBatchDocument struct {
	ID                        []byte            `bson:"id"`
	InternalID                []byte            `bson:"internalId"`
	BatchVersion              uint16            `bson:"batchVersion"`
	ResolvedList              []byte            `bson:"resolvedList"`
	Resolution                map[string][]byte `bson:"resolution"`
	MaxTokenCount             int               `bson:"maxTokenCount"`
	RemainingTokenCount       int               `bson:"remainingTokenCount"`
	Expires                   time.Time         `bson:"expires"`
	BatchInvalidationCount    int               `bson:"batchInvalidationCount"`
	MinAssuranceForResolution int               `bson:"minAssuranceForResolution"`
	Created                   time.Time         `bson:"created"`
	Updated                   time.Time         `bson:"updated"`
}

// TokenBatchStore implements tokenizer.TokenBatchStore on MongoDB.
type TokenBatchStore struct {
	col *mongo.Collection
}

// NewTokenBatchStore wraps the given database's tokenBatch collection.
func NewTokenBatchStore(db *mongo.Database) *TokenBatchStore {
	return &TokenBatchStore{col: db.Collection(tokenBatchCollectionName)}
}

func (s *TokenBatchStore) Get(ctx context.Context, id []byte) (tokenizer.TokenBatch, error) {
	filter := bson.D{{Key: "id", Value: id}}
	filter = append(filter, notExpiredFilter(time.Now())...)

	var doc tokenBatchDocument
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return tokenizer.TokenBatch{}, fmt.Errorf("mongostore: get token batch: %w", wrapNotFound(err))
	}
	return decodeTokenBatch(doc)
}

func (s *TokenBatchStore) Insert(ctx context.Context, batch tokenizer.TokenBatch) error {
	doc, err := encodeTokenBatch(batch)
	if err != nil {
		return err
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: insert token batch: %w", wrapWrite(err))
	}
	return nil
}

func (s *TokenBatchStore) ClaimTokens(ctx context.Context, id, internalID []byte, observed, claimed int) error {
	filter := bson.D{
		{Key: "id", Value: id},
		{Key: "internalId", Value: internalID},
		{Key: "remainingTokenCount", Value: observed},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "remainingTokenCount", Value: observed - claimed},
		{Key: "updated", Value: time.Now()},
	}}}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: claim tokens: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: claim tokens: %w", tokenizer.ErrInvalidState)
	}
	return nil
}

func (s *TokenBatchStore) MarkResolved(ctx context.Context, id []byte, observedResolvedList []byte, newResolvedList []byte, encodedRequester string, newRequesterBits []byte) error {
	filter := bson.D{
		{Key: "id", Value: id},
		{Key: "resolvedList", Value: observedResolvedList},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "resolvedList", Value: newResolvedList},
		{Key: "resolution." + encodedRequester, Value: newRequesterBits},
		{Key: "updated", Value: time.Now()},
	}}}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark resolved: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: mark resolved: %w", tokenizer.ErrInvalidState)
	}
	return nil
}

func encodeTokenBatch(b tokenizer.TokenBatch) (tokenBatchDocument, error) {
	resolvedList, err := b.ResolvedList.Marshal()
	if err != nil {
		return tokenBatchDocument{}, fmt.Errorf("mongostore: encode token batch: %w", err)
	}
	resolution := make(map[string][]byte, len(b.Resolution))
	for k, v := range b.Resolution {
		bits, err := v.Marshal()
		if err != nil {
			return tokenBatchDocument{}, fmt.Errorf("mongostore: encode token batch: %w", err)
		}
		resolution[k] = bits
	}
	return tokenBatchDocument{
		ID:                        b.ID,
		InternalID:                b.InternalID,
		BatchVersion:              b.BatchVersion,
		ResolvedList:              resolvedList,
		Resolution:                resolution,
		MaxTokenCount:             b.MaxTokenCount,
		RemainingTokenCount:       b.RemainingTokenCount,
		Expires:                   b.Expires,
		BatchInvalidationCount:    b.BatchInvalidationCount,
		MinAssuranceForResolution: b.MinAssuranceForResolution,
		Created:                   b.Created,
		Updated:                   b.Updated,
	}, nil
}

func decodeTokenBatch(d tokenBatchDocument) (tokenizer.TokenBatch, error) {
	return tokenizer.UnmarshalTokenBatch(tokenizer.TokenBatchFields{
		ID:                        d.ID,
		InternalID:                d.InternalID,
		BatchVersion:              d.BatchVersion,
		ResolvedListBytes:         d.ResolvedList,
		ResolutionBytes:           d.Resolution,
		MaxTokenCount:             d.MaxTokenCount,
		RemainingTokenCount:       d.RemainingTokenCount,
		Expires:                   d.Expires,
		BatchInvalidationCount:    d.BatchInvalidationCount,
		MinAssuranceForResolution: d.MinAssuranceForResolution,
		Created:                   d.Created,
		Updated:                   d.Updated,
	})
}
