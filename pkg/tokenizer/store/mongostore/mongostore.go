// Package mongostore implements the tokenizer engine's store interfaces
// on top of MongoDB, using conditional updateOne/findOneAndUpdate calls,
// $max/$addToSet, and TTL indexes in place of transactions.
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

const (
	entityCollectionName        = "entity"
	tokenBatchCollectionName    = "tokenBatch"
	registrationCollectionName  = "registration"
	pairwiseTokenCollectionName = "pairwiseToken"
	batchVersionCollectionName  = "batchVersion"
)

// ttlGrace is added to every TTL index's expireAfterSeconds so the store
// never races an in-flight read against its own expiry sweep.
const ttlGrace = 24 * time.Hour

// Migrate creates the collections' indexes. It is the explicit
// replacement for an "on-ready" index-creation hook.
func Migrate(ctx context.Context, db *mongo.Database, autoRemoveExpiredRecords bool) error {
	entity := db.Collection(entityCollectionName)
	batches := db.Collection(tokenBatchCollectionName)
	registrations := db.Collection(registrationCollectionName)
	pairwise := db.Collection(pairwiseTokenCollectionName)
	versions := db.Collection(batchVersionCollectionName)

	entityIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "internalId", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	batchIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	registrationIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "externalIdHash", Value: 1}, {Key: "documentHash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "internalId", Value: 1}}},
	}
	pairwiseIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "internalId", Value: 1}, {Key: "requester", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "value", Value: 1}}},
	}
	versionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "tokenizerId", Value: 1}, {Key: "id", Value: -1}}},
	}

	if autoRemoveExpiredRecords {
		expireAfter := int32(ttlGrace.Seconds())
		entityIndexes = append(entityIndexes, mongo.IndexModel{
			Keys: bson.D{{Key: "expires", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(expireAfter),
		})
		batchIndexes = append(batchIndexes, mongo.IndexModel{
			Keys: bson.D{{Key: "expires", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(expireAfter),
		})
		registrationIndexes = append(registrationIndexes, mongo.IndexModel{
			Keys: bson.D{{Key: "expires", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(expireAfter),
		})
	}

	for _, c := range []struct {
		col     *mongo.Collection
		indexes []mongo.IndexModel
	}{
		{entity, entityIndexes},
		{batches, batchIndexes},
		{registrations, registrationIndexes},
		{pairwise, pairwiseIndexes},
		{versions, versionIndexes},
	} {
		if _, err := c.col.Indexes().CreateMany(ctx, c.indexes); err != nil {
			return fmt.Errorf("mongostore: migrate: create indexes on %s: %w", c.col.Name(), err)
		}
	}
	return nil
}

func wrapNotFound(err error) error {
	if err == mongo.ErrNoDocuments {
		return tokenizer.ErrNotFound
	}
	return err
}

func wrapWrite(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w", tokenizer.ErrDuplicate)
	}
	return err
}

func notExpiredFilter(now time.Time) bson.D {
	return bson.D{
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "expires", Value: bson.D{{Key: "$gt", Value: now}}}},
		}},
	}
}
