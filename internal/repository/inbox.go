package repository

import (
	"context"
	"fmt"
	"time"

	"tg_to_mastodon/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoInboxRepository 收件箱（MongoDB 实现）
type MongoInboxRepository struct {
	collection *mongo.Collection
}

// NewMongoInboxRepository 创建收件箱 Repository
func NewMongoInboxRepository(db *mongo.Database) InboxRepository {
	return &MongoInboxRepository{
		collection: db.Collection("source_messages"),
	}
}

// Save 写入消息；使用 $setOnInsert，重复投递的更新不会改写已入箱的消息
func (r *MongoInboxRepository) Save(ctx context.Context, msg *models.SourceMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	filter := bson.M{
		"chat_id":   msg.ChatID,
		"source_id": msg.ID,
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"date":           msg.Date,
			"text":           msg.Text,
			"media":          msg.Media,
			"media_group_id": msg.MediaGroupID,
			"message_ids":    msg.MessageIDs,
			"created_at":     msg.CreatedAt,
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to save source message: %w", err)
	}

	return nil
}

// ListAfter 按 source_id 升序分页读取
func (r *MongoInboxRepository) ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]*models.SourceMessage, error) {
	filter := bson.M{
		"chat_id":   chatID,
		"source_id": bson.M{"$gt": afterID},
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "source_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list source messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*models.SourceMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode source messages: %w", err)
	}

	return messages, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoInboxRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "source_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for source_messages: %w", err)
	}

	return nil
}
