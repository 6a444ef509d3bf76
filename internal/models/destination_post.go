package models

// Mastodon 附件类型
const (
	AttachmentTypeImage = "image"
	AttachmentTypeVideo = "video"
	AttachmentTypeGifv  = "gifv"
	AttachmentTypeAudio = "audio"
)

// MediaAttachment 待上传的附件：目标类型 + 源拉取句柄
type MediaAttachment struct {
	Type   string
	Source MediaItem
}

// DestinationPost 待发布的 Mastodon 帖子（临时对象，发布后丢弃）
type DestinationPost struct {
	SourceID       int64
	ChatID         int64
	Text           string
	Media          []MediaAttachment
	Visibility     string
	Language       string
	IdempotencyKey string
}
