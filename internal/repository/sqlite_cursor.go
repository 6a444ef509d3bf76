package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteCursorRepository 频道游标（SQLite 实现）
type SQLiteCursorRepository struct {
	db *sql.DB
}

// NewSQLiteCursorRepository 创建游标 Repository
func NewSQLiteCursorRepository(db *sql.DB) CursorRepository {
	return &SQLiteCursorRepository{db: db}
}

// Load 读取游标
func (r *SQLiteCursorRepository) Load(ctx context.Context, chatID int64) (int64, error) {
	var sourceID int64
	err := r.db.QueryRowContext(ctx, `SELECT source_id FROM cursors WHERE chat_id = ?`, chatID).Scan(&sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return sourceID, nil
}

// Save 推进游标（只前进不后退）
func (r *SQLiteCursorRepository) Save(ctx context.Context, chatID, sourceID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (chat_id, source_id, updated_ms) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			source_id  = excluded.source_id,
			updated_ms = excluded.updated_ms
		WHERE excluded.source_id > cursors.source_id`,
		chatID, sourceID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Rewind 强制设置游标
func (r *SQLiteCursorRepository) Rewind(ctx context.Context, chatID, sourceID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (chat_id, source_id, updated_ms) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			source_id  = excluded.source_id,
			updated_ms = excluded.updated_ms`,
		chatID, sourceID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to rewind cursor: %w", err)
	}
	return nil
}

// EnsureIndexes 表结构由 sqlite.Open 迁移
func (r *SQLiteCursorRepository) EnsureIndexes(context.Context) error {
	return nil
}
