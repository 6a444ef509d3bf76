package repository

import (
	"context"
	"errors"
	"fmt"

	"tg_to_mastodon/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLedger 转发台账（MongoDB 实现）
// (chat_id, source_id) 唯一索引保证多实例共享同一库时 Begin 仍是原子的
type MongoLedger struct {
	collection *mongo.Collection
	opts       LedgerOptions
}

// NewMongoLedger 创建台账仓储实例
func NewMongoLedger(db *mongo.Database, opts LedgerOptions) Ledger {
	return &MongoLedger{
		collection: db.Collection("forward_records"),
		opts:       opts.withDefaults(),
	}
}

// HasForwarded 是否已成功转发
func (r *MongoLedger) HasForwarded(ctx context.Context, chatID, sourceID int64) (bool, error) {
	filter := bson.M{
		"chat_id":   chatID,
		"source_id": sourceID,
		"status":    models.ForwardStatusSucceeded,
	}

	var record models.ForwardRecord
	err := r.collection.FindOne(ctx, filter).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query forward record: %w", err)
	}
	return true, nil
}

// Begin 创建 pending 记录；记录已存在时仅在 failed 或租约过期时接管
func (r *MongoLedger) Begin(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error) {
	now := r.opts.Now()
	record := &models.ForwardRecord{
		SourceID:   sourceID,
		ChatID:     chatID,
		Status:     models.ForwardStatusPending,
		Attempts:   1,
		LeaseOwner: r.opts.Owner,
		LeaseUntil: now.Add(r.opts.Lease),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := r.collection.InsertOne(ctx, record)
	if err == nil {
		return record, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("failed to begin forward record: %w", err)
	}

	filter := bson.M{
		"chat_id":   chatID,
		"source_id": sourceID,
		"$or": bson.A{
			bson.M{"status": models.ForwardStatusFailed},
			bson.M{
				"status":      models.ForwardStatusPending,
				"lease_until": bson.M{"$lt": now},
			},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      models.ForwardStatusPending,
			"lease_owner": r.opts.Owner,
			"lease_until": now.Add(r.opts.Lease),
			"updated_at":  now,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var reused models.ForwardRecord
	err = r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&reused)
	if err == nil {
		return &reused, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to reuse forward record: %w", err)
	}

	existing, err := r.Get(ctx, chatID, sourceID)
	if err != nil {
		return nil, err
	}
	if existing.Status == models.ForwardStatusPending {
		return nil, &models.AlreadyInFlightError{
			SourceID:   sourceID,
			LeaseOwner: existing.LeaseOwner,
			LeaseUntil: existing.LeaseUntil,
		}
	}
	return nil, fmt.Errorf("chat %d message %d is %s: %w", chatID, sourceID, existing.Status, models.ErrRecordClosed)
}

// Commit 标记成功
func (r *MongoLedger) Commit(ctx context.Context, chatID, sourceID int64, postID string) error {
	now := r.opts.Now()
	filter := bson.M{
		"chat_id":   chatID,
		"source_id": sourceID,
		"status":    models.ForwardStatusPending,
	}
	update := bson.M{
		"$set": bson.M{
			"status":              models.ForwardStatusSucceeded,
			"destination_post_id": postID,
			"forwarded_at":        now,
			"last_error":          "",
			"updated_at":          now,
		},
		"$unset": bson.M{
			"lease_owner": "",
			"lease_until": "",
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to commit forward record: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	existing, err := r.Get(ctx, chatID, sourceID)
	if err != nil {
		return err
	}
	if existing.Status == models.ForwardStatusSucceeded {
		if existing.DestinationPostID == postID {
			return nil
		}
		return &models.ConflictError{
			SourceID:  sourceID,
			Existing:  existing.DestinationPostID,
			Attempted: postID,
		}
	}
	return fmt.Errorf("cannot commit chat %d message %d in status %s", chatID, sourceID, existing.Status)
}

// Fail 标记可重试失败
func (r *MongoLedger) Fail(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusFailed, reason)
}

// Skip 标记为跳过
func (r *MongoLedger) Skip(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusSkipped, reason)
}

// Abandon 标记为永久失败
func (r *MongoLedger) Abandon(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusFailedPermanent, reason)
}

// finish 只有持有租约的实例才能结束 pending 记录
func (r *MongoLedger) finish(ctx context.Context, chatID, sourceID int64, status, reason string) error {
	filter := bson.M{
		"chat_id":     chatID,
		"source_id":   sourceID,
		"status":      models.ForwardStatusPending,
		"lease_owner": r.opts.Owner,
	}
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"last_error": reason,
			"updated_at": r.opts.Now(),
		},
		"$unset": bson.M{
			"lease_owner": "",
			"lease_until": "",
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to mark forward record %s: %w", status, err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	existing, err := r.Get(ctx, chatID, sourceID)
	if err != nil {
		return err
	}
	if existing.Status == status {
		return nil
	}
	return fmt.Errorf("cannot mark chat %d message %d as %s: status=%s, lease_owner=%s",
		chatID, sourceID, status, existing.Status, existing.LeaseOwner)
}

// Reset 运维重置
func (r *MongoLedger) Reset(ctx context.Context, chatID, sourceID int64) error {
	filter := bson.M{
		"chat_id":   chatID,
		"source_id": sourceID,
		"status": bson.M{"$in": bson.A{
			models.ForwardStatusFailed,
			models.ForwardStatusSkipped,
			models.ForwardStatusFailedPermanent,
		}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     models.ForwardStatusFailed,
			"attempts":   0,
			"last_error": "reset by operator",
			"updated_at": r.opts.Now(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to reset forward record: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	existing, err := r.Get(ctx, chatID, sourceID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot reset chat %d message %d in status %s", chatID, sourceID, existing.Status)
}

// Get 查询单条记录
func (r *MongoLedger) Get(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error) {
	var record models.ForwardRecord
	err := r.collection.FindOne(ctx, bson.M{"chat_id": chatID, "source_id": sourceID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("chat %d message %d: %w", chatID, sourceID, models.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get forward record: %w", err)
	}
	return &record, nil
}

// List 按状态列出记录
func (r *MongoLedger) List(ctx context.Context, status string, limit int) ([]*models.ForwardRecord, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	opts := options.Find().SetSort(bson.D{{Key: "source_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.ForwardRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode forward records: %w", err)
	}

	return records, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoLedger) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// (chat_id, source_id) 唯一索引（防止重复转发）
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "source_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		// 按状态列出记录
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "source_id", Value: -1},
			},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for forward_records: %w", err)
	}

	return nil
}
