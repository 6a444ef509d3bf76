package telegram

import (
	"time"

	"tg_to_mastodon/internal/models"

	botModels "github.com/go-telegram/bot/models"
)

// normalize 把一条 channel_post 转为标准化消息
func normalize(message *botModels.Message) *models.SourceMessage {
	text := message.Text
	if text == "" {
		text = message.Caption
	}

	return &models.SourceMessage{
		ID:           int64(message.ID),
		ChatID:       message.Chat.ID,
		Date:         time.Unix(int64(message.Date), 0).UTC(),
		Text:         text,
		Media:        extractMedia(message),
		MediaGroupID: message.MediaGroupID,
		MessageIDs:   []int64{int64(message.ID)},
	}
}

// mergeAlbum 合并相册；消息需已按 ID 升序，ID 取最小值，正文取第一条非空 caption
func mergeAlbum(messages []*botModels.Message) *models.SourceMessage {
	merged := normalize(messages[0])
	for _, message := range messages[1:] {
		part := normalize(message)
		if merged.Text == "" {
			merged.Text = part.Text
		}
		merged.Media = append(merged.Media, part.Media...)
		merged.MessageIDs = append(merged.MessageIDs, part.ID)
	}
	return merged
}

// extractMedia 提取媒体引用；照片只取最大尺寸
func extractMedia(message *botModels.Message) []models.MediaItem {
	var media []models.MediaItem

	if n := len(message.Photo); n > 0 {
		largest := message.Photo[0]
		for _, photo := range message.Photo[1:] {
			if photo.Width*photo.Height > largest.Width*largest.Height {
				largest = photo
			}
		}
		media = append(media, models.MediaItem{
			Kind:     models.MediaKindImage,
			FileID:   largest.FileID,
			MimeType: "image/jpeg",
			FileSize: int64(largest.FileSize),
		})
	}

	// animation 消息同时带有 document 字段，优先按 animation 处理
	switch {
	case message.Animation != nil:
		media = append(media, models.MediaItem{
			Kind:     models.MediaKindAnimation,
			FileID:   message.Animation.FileID,
			FileName: message.Animation.FileName,
			MimeType: message.Animation.MimeType,
			FileSize: int64(message.Animation.FileSize),
		})
	case message.Document != nil:
		media = append(media, models.MediaItem{
			Kind:     models.MediaKindDocument,
			FileID:   message.Document.FileID,
			FileName: message.Document.FileName,
			MimeType: message.Document.MimeType,
			FileSize: int64(message.Document.FileSize),
		})
	}

	if message.Video != nil {
		media = append(media, models.MediaItem{
			Kind:     models.MediaKindVideo,
			FileID:   message.Video.FileID,
			FileName: message.Video.FileName,
			MimeType: message.Video.MimeType,
			FileSize: int64(message.Video.FileSize),
		})
	}

	if message.Audio != nil {
		media = append(media, models.MediaItem{
			Kind:     models.MediaKindAudio,
			FileID:   message.Audio.FileID,
			FileName: message.Audio.FileName,
			MimeType: message.Audio.MimeType,
			FileSize: int64(message.Audio.FileSize),
		})
	}

	return media
}
