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

type registrationDocument struct {
	InternalID     []byte    `bson:"internalId"`
	ExternalIDHash []byte    `bson:"externalIdHash"`
	DocumentHash   []byte    `bson:"documentHash"`
	TokenizerID    string    `bson:"tokenizerId"`
	JWE            []byte    `bson:"jwe"`
	CreatorHash    [][]byte  `bson:"creatorHash,omitempty"`
	Expires        time.Time `bson:"expires"`
	Created        time.Time `bson:"created"`
	Updated        time.Time `bson:"updated"`
}

func toRegistration(d registrationDocument) tokenizer.Registration {
	return tokenizer.Registration{
		InternalID:     d.InternalID,
		ExternalIDHash: d.ExternalIDHash,
		DocumentHash:   d.DocumentHash,
		TokenizerID:    d.TokenizerID,
		JWE:            d.JWE,
		CreatorHash:    d.CreatorHash,
		Expires:        d.Expires,
		Created:        d.Created,
		Updated:        d.Updated,
	}
}

// RegistrationStore implements tokenizer.RegistrationStore on MongoDB.
type RegistrationStore struct {
	col *mongo.Collection
}

// NewRegistrationStore wraps the given database's registration collection.
func NewRegistrationStore(db *mongo.Database) *RegistrationStore {
	return &RegistrationStore{col: db.Collection(registrationCollectionName)}
}

func (s *RegistrationStore) Get(ctx context.Context, externalIDHash, documentHash []byte) (tokenizer.Registration, error) {
	filter := bson.D{
		{Key: "externalIdHash", Value: externalIDHash},
		{Key: "documentHash", Value: documentHash},
	}
	filter = append(filter, notExpiredFilter(time.Now())...)

	var doc registrationDocument
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return tokenizer.Registration{}, fmt.Errorf("mongostore: get registration: %w", wrapNotFound(err))
	}
	return toRegistration(doc), nil
}

func (s *RegistrationStore) Refresh(ctx context.Context, externalIDHash, documentHash []byte, newExpires time.Time, creatorHash []byte) (tokenizer.Registration, error) {
	filter := bson.D{
		{Key: "externalIdHash", Value: externalIDHash},
		{Key: "documentHash", Value: documentHash},
	}
	filter = append(filter, notExpiredFilter(time.Now())...)

	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "expires", Value: newExpires}}},
		{Key: "$set", Value: bson.D{{Key: "updated", Value: time.Now()}}},
	}
	if len(creatorHash) > 0 {
		update = append(update, bson.E{Key: "$addToSet", Value: bson.D{{Key: "creatorHash", Value: creatorHash}}})
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc registrationDocument
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		return tokenizer.Registration{}, fmt.Errorf("mongostore: refresh registration: %w", wrapNotFound(err))
	}
	return toRegistration(doc), nil
}

func (s *RegistrationStore) AdvanceExpires(ctx context.Context, internalID []byte, newExpires time.Time) error {
	filter := bson.D{{Key: "internalId", Value: internalID}}
	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "expires", Value: newExpires}}},
		{Key: "$set", Value: bson.D{{Key: "updated", Value: time.Now()}}},
	}
	res, err := s.col.UpdateMany(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: advance registration expires: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: advance registration expires: %w", tokenizer.ErrNotFound)
	}
	return nil
}

func (s *RegistrationStore) Insert(ctx context.Context, reg tokenizer.Registration) error {
	doc := registrationDocument{
		InternalID:     reg.InternalID,
		ExternalIDHash: reg.ExternalIDHash,
		DocumentHash:   reg.DocumentHash,
		TokenizerID:    reg.TokenizerID,
		JWE:            reg.JWE,
		CreatorHash:    reg.CreatorHash,
		Expires:        reg.Expires,
		Created:        reg.Created,
		Updated:        reg.Updated,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: insert registration: %w", wrapWrite(err))
	}
	return nil
}
