// Package translator 把标准化的 Telegram 频道消息转换为 Mastodon 帖子
package translator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/models"
)

const (
	// TruncationMarker 截断标记（U+2026）
	TruncationMarker = "…"
	// DefaultMaxChars Mastodon 默认字数上限
	DefaultMaxChars = 500
	// MaxAttachments Mastodon 单帖最多图片数（视频 / gifv / 音频只能有一个）
	MaxAttachments = 4
)

// Options 转换配置
type Options struct {
	MaxChars        int    // 帖子字数上限（按 rune 计）
	Visibility      string // public/unlisted/private/direct
	Language        string // ISO 639 语言代码，可空
	ChannelUsername string // 频道公开用户名，非空时附加原文链接
	MaxMediaBytes   int64  // 已知大小超过该值的媒体直接丢弃，0 表示不限
}

// Translator 纯函数式转换器，不做任何 I/O
type Translator struct {
	opts Options
}

// New 创建转换器
func New(opts Options) *Translator {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Visibility == "" {
		opts.Visibility = "public"
	}
	opts.ChannelUsername = strings.TrimPrefix(opts.ChannelUsername, "@")
	return &Translator{opts: opts}
}

// Translate 转换一条源消息
// 既无正文也无可转换媒体时返回 UnsupportedContentError
func (t *Translator) Translate(msg *models.SourceMessage) (*models.DestinationPost, error) {
	media := t.mapMedia(msg)
	if !msg.HasText() && len(media) == 0 {
		reason := "no text and no media"
		if msg.HasMedia() {
			reason = "no text and no supported media"
		}
		return nil, &models.UnsupportedContentError{SourceID: msg.ID, Reason: reason}
	}

	return &models.DestinationPost{
		SourceID:       msg.ID,
		ChatID:         msg.ChatID,
		Text:           t.buildText(msg),
		Media:          media,
		Visibility:     t.opts.Visibility,
		Language:       t.opts.Language,
		IdempotencyKey: IdempotencyKey(msg.ChatID, msg.ID),
	}, nil
}

// IdempotencyKey 同一源消息的所有发布尝试使用同一个 key
func IdempotencyKey(chatID, sourceID int64) string {
	return fmt.Sprintf("tg-%d-%d", chatID, sourceID)
}

// Truncate 超过 limit 个字符时截断，结果恰好 limit 个字符并以截断标记结尾
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	markerLen := utf8.RuneCountInString(TruncationMarker)
	if limit <= markerLen {
		return string([]rune(TruncationMarker)[:limit])
	}

	runes := []rune(text)
	return string(runes[:limit-markerLen]) + TruncationMarker
}

// buildText 正文放得下时原样保留；原文链接只在整体不超限时附加
func (t *Translator) buildText(msg *models.SourceMessage) string {
	body := msg.Text
	if !msg.HasText() {
		body = ""
	}
	if t.opts.ChannelUsername == "" {
		return Truncate(body, t.opts.MaxChars)
	}

	link := fmt.Sprintf("https://t.me/%s/%d", t.opts.ChannelUsername, msg.ID)
	if body == "" {
		if utf8.RuneCountInString(link) > t.opts.MaxChars {
			return ""
		}
		return link
	}

	withFooter := body + "\n\n" + link
	if utf8.RuneCountInString(withFooter) <= t.opts.MaxChars {
		return withFooter
	}
	// 放不下链接：不超限的正文原样返回，超限的截断到恰好 MaxChars 并以截断标记结尾
	return Truncate(body, t.opts.MaxChars)
}

// mapMedia Mastodon 单帖最多 4 张图片，或者单个视频 / gifv / 音频，两者不能混合
// 以第一个可用附件的类型为准，其余不兼容的附件丢弃
func (t *Translator) mapMedia(msg *models.SourceMessage) []models.MediaAttachment {
	log := logger.Message(msg.ChatID, msg.ID)

	candidates := make([]models.MediaAttachment, 0, len(msg.Media))
	for _, item := range msg.Media {
		attachmentType, ok := attachmentTypeOf(item)
		if !ok {
			log.WithField("kind", item.Kind).
				WithField("mime_type", item.MimeType).
				Warn("dropping unsupported media item")
			continue
		}
		if t.opts.MaxMediaBytes > 0 && item.FileSize > t.opts.MaxMediaBytes {
			log.WithField("file_id", item.FileID).
				WithField("file_size", item.FileSize).
				WithField("max_bytes", t.opts.MaxMediaBytes).
				Warn("dropping media item over size limit")
			continue
		}
		candidates = append(candidates, models.MediaAttachment{
			Type:   attachmentType,
			Source: item,
		})
	}
	if len(candidates) == 0 {
		return candidates
	}

	kept := candidates[:1]
	if candidates[0].Type == models.AttachmentTypeImage {
		kept = make([]models.MediaAttachment, 0, MaxAttachments)
		for _, c := range candidates {
			if c.Type == models.AttachmentTypeImage && len(kept) < MaxAttachments {
				kept = append(kept, c)
			}
		}
	}

	if dropped := len(candidates) - len(kept); dropped > 0 {
		log.WithField("dropped", dropped).
			WithField("kept_type", kept[0].Type).
			Warn("message exceeds attachment limits, dropping extra media")
	}
	return kept
}

func attachmentTypeOf(item models.MediaItem) (string, bool) {
	switch item.Kind {
	case models.MediaKindImage:
		return models.AttachmentTypeImage, true
	case models.MediaKindVideo:
		return models.AttachmentTypeVideo, true
	case models.MediaKindAnimation:
		return models.AttachmentTypeGifv, true
	case models.MediaKindAudio:
		return models.AttachmentTypeAudio, true
	case models.MediaKindDocument:
		mimeType := strings.ToLower(item.MimeType)
		switch {
		case strings.HasPrefix(mimeType, "image/"):
			return models.AttachmentTypeImage, true
		case strings.HasPrefix(mimeType, "video/"):
			return models.AttachmentTypeVideo, true
		case strings.HasPrefix(mimeType, "audio/"):
			return models.AttachmentTypeAudio, true
		}
	}
	return "", false
}
