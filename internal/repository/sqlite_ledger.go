package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tg_to_mastodon/internal/models"
)

const forwardRecordColumns = `source_id, chat_id, destination_post_id, status, attempts, last_error,
	lease_owner, lease_until_ms, forwarded_ms, created_ms, updated_ms`

// SQLiteLedger 转发台账（SQLite 实现）
// (chat_id, source_id) 为主键；Begin 使用带条件的 upsert，在单个语句内完成创建或接管
type SQLiteLedger struct {
	db   *sql.DB
	opts LedgerOptions
}

// NewSQLiteLedger 创建台账仓储实例
func NewSQLiteLedger(db *sql.DB, opts LedgerOptions) Ledger {
	return &SQLiteLedger{db: db, opts: opts.withDefaults()}
}

// HasForwarded 是否已成功转发
func (r *SQLiteLedger) HasForwarded(ctx context.Context, chatID, sourceID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM forward_records WHERE chat_id = ? AND source_id = ? AND status = ?`,
		chatID, sourceID, models.ForwardStatusSucceeded,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query forward record: %w", err)
	}
	return true, nil
}

// Begin 创建 pending 记录；记录已存在时仅在 failed 或租约过期时接管
func (r *SQLiteLedger) Begin(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error) {
	now := r.opts.Now()
	nowMs := now.UnixMilli()
	leaseUntil := now.Add(r.opts.Lease).UnixMilli()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO forward_records (source_id, chat_id, status, attempts, lease_owner, lease_until_ms, created_ms, updated_ms)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(chat_id, source_id) DO UPDATE SET
			status         = excluded.status,
			attempts       = forward_records.attempts + 1,
			lease_owner    = excluded.lease_owner,
			lease_until_ms = excluded.lease_until_ms,
			updated_ms     = excluded.updated_ms
		WHERE forward_records.status = ?
		   OR (forward_records.status = ? AND forward_records.lease_until_ms < ?)
		RETURNING `+forwardRecordColumns,
		sourceID, chatID, models.ForwardStatusPending, r.opts.Owner, leaseUntil, nowMs, nowMs,
		models.ForwardStatusFailed, models.ForwardStatusPending, nowMs,
	)

	record, err := scanForwardRecord(row)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to begin forward record: %w", err)
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
func (r *SQLiteLedger) Commit(ctx context.Context, chatID, sourceID int64, postID string) error {
	nowMs := r.opts.Now().UnixMilli()
	result, err := r.db.ExecContext(ctx, `
		UPDATE forward_records
		SET status = ?, destination_post_id = ?, forwarded_ms = ?, last_error = '',
		    lease_owner = '', lease_until_ms = 0, updated_ms = ?
		WHERE chat_id = ? AND source_id = ? AND status = ?`,
		models.ForwardStatusSucceeded, postID, nowMs, nowMs,
		chatID, sourceID, models.ForwardStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to commit forward record: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
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
func (r *SQLiteLedger) Fail(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusFailed, reason)
}

// Skip 标记为跳过
func (r *SQLiteLedger) Skip(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusSkipped, reason)
}

// Abandon 标记为永久失败
func (r *SQLiteLedger) Abandon(ctx context.Context, chatID, sourceID int64, reason string) error {
	return r.finish(ctx, chatID, sourceID, models.ForwardStatusFailedPermanent, reason)
}

func (r *SQLiteLedger) finish(ctx context.Context, chatID, sourceID int64, status, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE forward_records
		SET status = ?, last_error = ?, lease_owner = '', lease_until_ms = 0, updated_ms = ?
		WHERE chat_id = ? AND source_id = ? AND status = ? AND lease_owner = ?`,
		status, reason, r.opts.Now().UnixMilli(),
		chatID, sourceID, models.ForwardStatusPending, r.opts.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to mark forward record %s: %w", status, err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
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
func (r *SQLiteLedger) Reset(ctx context.Context, chatID, sourceID int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE forward_records
		SET status = ?, attempts = 0, last_error = 'reset by operator', updated_ms = ?
		WHERE chat_id = ? AND source_id = ? AND status IN (?, ?, ?)`,
		models.ForwardStatusFailed, r.opts.Now().UnixMilli(), chatID, sourceID,
		models.ForwardStatusFailed, models.ForwardStatusSkipped, models.ForwardStatusFailedPermanent,
	)
	if err != nil {
		return fmt.Errorf("failed to reset forward record: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}

	existing, err := r.Get(ctx, chatID, sourceID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot reset chat %d message %d in status %s", chatID, sourceID, existing.Status)
}

// Get 查询单条记录
func (r *SQLiteLedger) Get(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+forwardRecordColumns+` FROM forward_records WHERE chat_id = ? AND source_id = ?`,
		chatID, sourceID)

	record, err := scanForwardRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %d message %d: %w", chatID, sourceID, models.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get forward record: %w", err)
	}
	return record, nil
}

// List 按状态列出记录
func (r *SQLiteLedger) List(ctx context.Context, status string, limit int) ([]*models.ForwardRecord, error) {
	query := `SELECT ` + forwardRecordColumns + ` FROM forward_records`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY source_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.ForwardRecord
	for rows.Next() {
		record, err := scanForwardRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode forward records: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query forward records: %w", err)
	}
	return records, nil
}

// EnsureIndexes 表结构由 sqlite.Open 迁移
func (r *SQLiteLedger) EnsureIndexes(context.Context) error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForwardRecord(row rowScanner) (*models.ForwardRecord, error) {
	var (
		record                                           models.ForwardRecord
		leaseUntilMs, forwardedMs, createdMs, updatedMs int64
	)
	if err := row.Scan(
		&record.SourceID, &record.ChatID, &record.DestinationPostID, &record.Status,
		&record.Attempts, &record.LastError, &record.LeaseOwner,
		&leaseUntilMs, &forwardedMs, &createdMs, &updatedMs,
	); err != nil {
		return nil, err
	}

	record.LeaseUntil = fromMillis(leaseUntilMs)
	record.CreatedAt = fromMillis(createdMs)
	record.UpdatedAt = fromMillis(updatedMs)
	if forwardedMs > 0 {
		forwardedAt := fromMillis(forwardedMs)
		record.ForwardedAt = &forwardedAt
	}
	return &record, nil
}
