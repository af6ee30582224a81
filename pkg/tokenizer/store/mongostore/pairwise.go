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

type pairwiseTokenDocument struct {
	InternalID []byte     `bson:"internalId"`
	Requester  string     `bson:"requester"`
	Value      []byte     `bson:"value"`
	Expires    *time.Time `bson:"expires,omitempty"`
	Created    time.Time  `bson:"created"`
	Updated    time.Time  `bson:"updated"`
}

func toPairwiseToken(d pairwiseTokenDocument) tokenizer.PairwiseToken {
	return tokenizer.PairwiseToken{
		InternalID: d.InternalID,
		Requester:  d.Requester,
		Value:      d.Value,
		Expires:    d.Expires,
		Created:    d.Created,
		Updated:    d.Updated,
	}
}

// PairwiseTokenStore implements tokenizer.PairwiseTokenStore on MongoDB.
// ensureValueIndex gates ResolveByValue: when it is false such queries are
// rejected outright.
type PairwiseTokenStore struct {
	col              *mongo.Collection
	ensureValueIndex bool
}

// NewPairwiseTokenStore wraps the given database's pairwiseToken
// collection. Migrate always creates the reverse value index;
// ensureValueIndex only decides whether ResolveByValue is served.
func NewPairwiseTokenStore(db *mongo.Database, ensureValueIndex bool) *PairwiseTokenStore {
	return &PairwiseTokenStore{col: db.Collection(pairwiseTokenCollectionName), ensureValueIndex: ensureValueIndex}
}

func (s *PairwiseTokenStore) Get(ctx context.Context, internalID []byte, requester string) (tokenizer.PairwiseToken, error) {
	filter := bson.D{{Key: "internalId", Value: internalID}, {Key: "requester", Value: requester}}
	filter = append(filter, notExpiredFilter(time.Now())...)

	var doc pairwiseTokenDocument
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return tokenizer.PairwiseToken{}, fmt.Errorf("mongostore: get pairwise token: %w", wrapNotFound(err))
	}
	return toPairwiseToken(doc), nil
}

func (s *PairwiseTokenStore) Refresh(ctx context.Context, internalID []byte, requester string, newExpires *time.Time) (tokenizer.PairwiseToken, error) {
	filter := bson.D{{Key: "internalId", Value: internalID}, {Key: "requester", Value: requester}}
	filter = append(filter, notExpiredFilter(time.Now())...)

	setFields := bson.D{{Key: "updated", Value: time.Now()}}
	update := bson.D{{Key: "$set", Value: setFields}}
	if newExpires != nil {
		update = append(update, bson.E{Key: "$max", Value: bson.D{{Key: "expires", Value: *newExpires}}})
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc pairwiseTokenDocument
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		return tokenizer.PairwiseToken{}, fmt.Errorf("mongostore: refresh pairwise token: %w", wrapNotFound(err))
	}
	return toPairwiseToken(doc), nil
}

func (s *PairwiseTokenStore) Insert(ctx context.Context, tok tokenizer.PairwiseToken) error {
	doc := pairwiseTokenDocument{
		InternalID: tok.InternalID,
		Requester:  tok.Requester,
		Value:      tok.Value,
		Expires:    tok.Expires,
		Created:    tok.Created,
		Updated:    tok.Updated,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: insert pairwise token: %w", wrapWrite(err))
	}
	return nil
}

func (s *PairwiseTokenStore) ResolveByValue(ctx context.Context, value []byte) (tokenizer.PairwiseToken, error) {
	if !s.ensureValueIndex {
		return tokenizer.PairwiseToken{}, tokenizer.NotAllowed(tokenizer.ReasonQueryDisabled)
	}
	filter := bson.D{{Key: "value", Value: value}}
	filter = append(filter, notExpiredFilter(time.Now())...)

	var doc pairwiseTokenDocument
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return tokenizer.PairwiseToken{}, fmt.Errorf("mongostore: resolve pairwise token by value: %w", wrapNotFound(err))
	}
	return toPairwiseToken(doc), nil
}
