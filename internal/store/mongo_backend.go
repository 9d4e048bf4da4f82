package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ainexus_bot/internal/domain"
)

type findReplaceCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoBackend persists user records in the users collection, one document
// per user_id.
type MongoBackend struct {
	collection findReplaceCollection
}

// NewMongoBackend constructs a MongoBackend.
func NewMongoBackend(collection findReplaceCollection) *MongoBackend {
	return &MongoBackend{collection: collection}
}

// Get fetches a record by Telegram user_id.
func (b *MongoBackend) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if b == nil || b.collection == nil {
		return domain.UserRecord{}, errors.New("mongo backend is not initialized")
	}
	if ctx == nil {
		return domain.UserRecord{}, errors.New("context is required")
	}
	if userID == 0 {
		return domain.UserRecord{}, errors.New("user_id is required")
	}

	result := b.collection.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return domain.UserRecord{}, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.UserRecord{}, ErrNotFound
		}
		return domain.UserRecord{}, fmt.Errorf("find user: %w", err)
	}

	var record domain.UserRecord
	if err := result.Decode(&record); err != nil {
		return domain.UserRecord{}, fmt.Errorf("decode user: %w", err)
	}

	return record, nil
}

// Put replaces the stored document for record.UserID, inserting it when absent.
func (b *MongoBackend) Put(ctx context.Context, record domain.UserRecord) error {
	if b == nil || b.collection == nil {
		return errors.New("mongo backend is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if record.UserID == 0 {
		return errors.New("user_id is required")
	}

	_, err := b.collection.ReplaceOne(ctx,
		bson.M{"user_id": record.UserID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace user: %w", err)
	}

	return nil
}
