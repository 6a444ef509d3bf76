package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCursorRepository 频道游标（MongoDB 实现）
type MongoCursorRepository struct {
	collection *mongo.Collection
}

// NewMongoCursorRepository 创建游标 Repository
func NewMongoCursorRepository(db *mongo.Database) CursorRepository {
	return &MongoCursorRepository{
		collection: db.Collection("forward_cursors"),
	}
}

// Load 读取游标
func (r *MongoCursorRepository) Load(ctx context.Context, chatID int64) (int64, error) {
	var doc struct {
		SourceID int64 `bson:"source_id"`
	}

	err := r.collection.FindOne(ctx, bson.M{"chat_id": chatID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return doc.SourceID, nil
}

// Save 推进游标；已有更大的游标时 upsert 撞唯一索引，视为无需推进
func (r *MongoCursorRepository) Save(ctx context.Context, chatID, sourceID int64) error {
	filter := bson.M{
		"chat_id":   chatID,
		"source_id": bson.M{"$lt": sourceID},
	}
	update := bson.M{
		"$set": bson.M{
			"source_id":  sourceID,
			"updated_at": time.Now(),
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Rewind 强制设置游标
func (r *MongoCursorRepository) Rewind(ctx context.Context, chatID, sourceID int64) error {
	update := bson.M{
		"$set": bson.M{
			"source_id":  sourceID,
			"updated_at": time.Now(),
		},
	}

	_, err := r.collection.UpdateOne(ctx, bson.M{"chat_id": chatID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to rewind cursor: %w", err)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoCursorRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes for forward_cursors: %w", err)
	}
	return nil
}
