package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage"
)

// FlowStore implements MongoDB flow history storage
type FlowStore struct {
	collection *mongo.Collection
}

func (s *FlowStore) Create(ctx context.Context, record *domain.FlowRecord) error {
	if err := storage.Validate(record); err != nil {
		return err
	}

	_, err := s.collection.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create flow record: %w", err)
	}
	return nil
}

func (s *FlowStore) Update(ctx context.Context, record *domain.FlowRecord) error {
	if err := storage.Validate(record); err != nil {
		return err
	}

	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": record.ID}, record)
	if err != nil {
		return fmt.Errorf("failed to update flow record: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *FlowStore) GetByID(ctx context.Context, id string) (*domain.FlowRecord, error) {
	var record domain.FlowRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get flow record: %w", err)
	}
	return &record, nil
}

func (s *FlowStore) List(ctx context.Context, limit int) ([]*domain.FlowRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(storage.NormalizeLimit(limit)))

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow records: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	records := make([]*domain.FlowRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode flow records: %w", err)
	}
	return records, nil
}
