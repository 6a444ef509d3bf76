package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 媒体类型常量（源消息侧）
const (
	MediaKindImage     = "image"
	MediaKindVideo     = "video"
	MediaKindAnimation = "animation"
	MediaKindAudio     = "audio"
	MediaKindDocument  = "document"
)

// MediaItem 源消息中的单个媒体引用
// FileID 是拉取句柄，字节内容按需流式下载，不落库
type MediaItem struct {
	Kind     string `bson:"kind" json:"kind"`                               // image/video/animation/audio/document
	FileID   string `bson:"file_id" json:"file_id"`                         // Telegram file_id
	FileName string `bson:"file_name,omitempty" json:"file_name,omitempty"` // 原始文件名（document/video 可能有）
	MimeType string `bson:"mime_type,omitempty" json:"mime_type,omitempty"` // Telegram 声明的 MIME 类型
	FileSize int64  `bson:"file_size,omitempty" json:"file_size,omitempty"` // 文件大小（字节）
}

// SourceMessage 标准化后的频道消息（入箱后不可变）
type SourceMessage struct {
	ObjectID     primitive.ObjectID `bson:"_id,omitempty"`
	ID           int64              `bson:"source_id"`                // 源消息 ID（相册取最小的消息 ID）
	ChatID       int64              `bson:"chat_id"`                  // 频道 ID
	Date         time.Time          `bson:"date"`                     // 发布时间
	Text         string             `bson:"text,omitempty"`           // 正文或 caption
	Media        []MediaItem        `bson:"media,omitempty"`          // 有序媒体列表
	MediaGroupID string             `bson:"media_group_id,omitempty"` // 相册 ID
	MessageIDs   []int64            `bson:"message_ids,omitempty"`    // 合并进来的所有 Telegram 消息 ID
	CreatedAt    time.Time          `bson:"created_at"`               // 入箱时间
}

// HasText 是否有可用正文
func (m *SourceMessage) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// HasMedia 是否带媒体
func (m *SourceMessage) HasMedia() bool {
	return len(m.Media) > 0
}

// LastMessageID 返回该消息覆盖的最大 Telegram 消息 ID
func (m *SourceMessage) LastMessageID() int64 {
	last := m.ID
	for _, id := range m.MessageIDs {
		if id > last {
			last = id
		}
	}
	return last
}
