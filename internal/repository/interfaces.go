package repository

import (
	"context"
	"time"

	"tg_to_mastodon/internal/models"
)

// InboxRepository 源消息收件箱（Source Listener 的持久化部分）
type InboxRepository interface {
	// Save 幂等写入一条标准化消息（已存在则保持不变）
	Save(ctx context.Context, msg *models.SourceMessage) error

	// ListAfter 按 source_id 升序返回 afterID 之后的最多 limit 条消息
	ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]*models.SourceMessage, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// Ledger 转发去重台账，防止重复发布的唯一依据
// 记录以 (chat_id, source_id) 为键，source_id 只在频道内唯一
type Ledger interface {
	// HasForwarded 是否存在 succeeded 记录
	HasForwarded(ctx context.Context, chatID, sourceID int64) (bool, error)

	// Begin 创建或复用 pending 记录；已有未过期 pending 记录时返回 AlreadyInFlightError
	Begin(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error)

	// Commit pending -> succeeded；同一 postID 重复提交幂等，不同 postID 返回 ConflictError
	Commit(ctx context.Context, chatID, sourceID int64, postID string) error

	// Fail pending -> failed（下一轮可重试）
	Fail(ctx context.Context, chatID, sourceID int64, reason string) error

	// Skip pending -> skipped（内容无法转换）
	Skip(ctx context.Context, chatID, sourceID int64, reason string) error

	// Abandon pending -> failed_permanent（被拒绝或超过重试次数）
	Abandon(ctx context.Context, chatID, sourceID int64, reason string) error

	// Reset 运维手动重置：failed/skipped/failed_permanent -> failed，尝试次数清零
	Reset(ctx context.Context, chatID, sourceID int64) error

	// Get 查询单条记录
	Get(ctx context.Context, chatID, sourceID int64) (*models.ForwardRecord, error)

	// List 按状态列出记录（status 为空时列出全部），source_id 降序
	List(ctx context.Context, status string, limit int) ([]*models.ForwardRecord, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// CursorRepository 每个频道最后处理的 source_id
type CursorRepository interface {
	// Load 读取游标，不存在时返回 0
	Load(ctx context.Context, chatID int64) (int64, error)

	// Save 推进游标（只前进不后退）
	Save(ctx context.Context, chatID, sourceID int64) error

	// Rewind 强制设置游标（运维重置用）
	Rewind(ctx context.Context, chatID, sourceID int64) error

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// LedgerOptions 台账租约配置
type LedgerOptions struct {
	Owner string           // 当前实例标识
	Lease time.Duration    // pending 租约时长
	Now   func() time.Time // 测试时注入
}

func (o LedgerOptions) withDefaults() LedgerOptions {
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
