package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 转发记录状态
const (
	ForwardStatusPending         = "pending"          // 转发进行中
	ForwardStatusSucceeded       = "succeeded"        // 已成功发布到 Mastodon
	ForwardStatusFailed          = "failed"           // 可重试的失败
	ForwardStatusSkipped         = "skipped"          // 内容无法转换，不再重试
	ForwardStatusFailedPermanent = "failed_permanent" // 永久失败（被拒绝或超过重试次数）
)

// ForwardRecord 转发台账记录（每条源消息一条，永不删除）
type ForwardRecord struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	SourceID          int64              `bson:"source_id" json:"source_id"`                                         // 源消息 ID（唯一）
	ChatID            int64              `bson:"chat_id" json:"chat_id"`                                             // 源频道 ID
	DestinationPostID string             `bson:"destination_post_id,omitempty" json:"destination_post_id,omitempty"` // Mastodon status ID
	Status            string             `bson:"status" json:"status"`                                               // pending/succeeded/failed/skipped/failed_permanent
	Attempts          int                `bson:"attempts" json:"attempts"`                                           // 已尝试次数
	LastError         string             `bson:"last_error,omitempty" json:"last_error,omitempty"`                   // 最近一次失败原因
	LeaseOwner        string             `bson:"lease_owner,omitempty" json:"lease_owner,omitempty"`                 // 持有 pending 租约的实例
	LeaseUntil        time.Time          `bson:"lease_until,omitempty" json:"lease_until,omitempty"`                 // 租约到期时间
	ForwardedAt       *time.Time         `bson:"forwarded_at,omitempty" json:"forwarded_at,omitempty"`               // 成功发布时间
	CreatedAt         time.Time          `bson:"created_at" json:"created_at"`                                       // 创建时间
	UpdatedAt         time.Time          `bson:"updated_at" json:"updated_at"`                                       // 更新时间
}

// IsTerminal 是否为终态
func (r *ForwardRecord) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

// IsTerminalStatus 判断状态是否为终态
func IsTerminalStatus(status string) bool {
	switch status {
	case ForwardStatusSucceeded, ForwardStatusSkipped, ForwardStatusFailedPermanent:
		return true
	default:
		return false
	}
}

// IsValidStatus 校验状态字符串
func IsValidStatus(status string) bool {
	switch status {
	case ForwardStatusPending, ForwardStatusSucceeded, ForwardStatusFailed,
		ForwardStatusSkipped, ForwardStatusFailedPermanent:
		return true
	default:
		return false
	}
}
