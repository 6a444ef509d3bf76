package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tg_to_mastodon/internal/models"
)

// SQLiteInboxRepository 收件箱（SQLite 实现）
type SQLiteInboxRepository struct {
	db *sql.DB
}

// NewSQLiteInboxRepository 创建收件箱 Repository
func NewSQLiteInboxRepository(db *sql.DB) InboxRepository {
	return &SQLiteInboxRepository{db: db}
}

// Save 写入消息；主键冲突时保持原样
func (r *SQLiteInboxRepository) Save(ctx context.Context, msg *models.SourceMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	media, err := json.Marshal(nonNilMedia(msg.Media))
	if err != nil {
		return fmt.Errorf("sqlite: marshal media: %w", err)
	}
	messageIDs, err := json.Marshal(nonNilIDs(msg.MessageIDs))
	if err != nil {
		return fmt.Errorf("sqlite: marshal message_ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO source_messages (chat_id, source_id, date_ms, text, media, media_group_id, message_ids, created_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, source_id) DO NOTHING`,
		msg.ChatID, msg.ID, toMillis(msg.Date), msg.Text, string(media),
		msg.MediaGroupID, string(messageIDs), toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save source message: %w", err)
	}
	return nil
}

// ListAfter 按 source_id 升序分页读取
func (r *SQLiteInboxRepository) ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]*models.SourceMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chat_id, source_id, date_ms, text, media, media_group_id, message_ids, created_ms
		FROM source_messages
		WHERE chat_id = ? AND source_id > ?
		ORDER BY source_id ASC
		LIMIT ?`,
		chatID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list source messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.SourceMessage
	for rows.Next() {
		var (
			msg                      models.SourceMessage
			dateMs, createdMs        int64
			mediaJSON, messageIDsRaw string
		)
		if err := rows.Scan(&msg.ChatID, &msg.ID, &dateMs, &msg.Text, &mediaJSON,
			&msg.MediaGroupID, &messageIDsRaw, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to decode source messages: %w", err)
		}
		if err := json.Unmarshal([]byte(mediaJSON), &msg.Media); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal media of %d: %w", msg.ID, err)
		}
		if err := json.Unmarshal([]byte(messageIDsRaw), &msg.MessageIDs); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal message_ids of %d: %w", msg.ID, err)
		}
		msg.Date = fromMillis(dateMs)
		msg.CreatedAt = fromMillis(createdMs)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list source messages: %w", err)
	}

	return messages, nil
}

// EnsureIndexes 表结构由 sqlite.Open 迁移，主键即唯一约束
func (r *SQLiteInboxRepository) EnsureIndexes(context.Context) error {
	return nil
}

func nonNilMedia(media []models.MediaItem) []models.MediaItem {
	if media == nil {
		return []models.MediaItem{}
	}
	return media
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
