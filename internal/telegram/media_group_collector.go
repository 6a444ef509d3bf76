package telegram

import (
	"sort"
	"sync"
	"time"

	"tg_to_mastodon/internal/logger"

	botModels "github.com/go-telegram/bot/models"
)

// mediaGroupBuffer 单个相册的缓冲区
type mediaGroupBuffer struct {
	messages []*botModels.Message
	timer    *time.Timer
}

// MediaGroupCollector 相册收集器
// Telegram 把相册拆成多条 channel_post 推送，同一 media_group_id 在静默 timeout 后一起交给 onCollect
type MediaGroupCollector struct {
	buffers   map[string]*mediaGroupBuffer
	inflight  map[*mediaGroupBuffer]int64 // 已取出但 onCollect 尚未返回，值为最小消息 ID
	mutex     sync.Mutex
	timeout   time.Duration
	onCollect func(messages []*botModels.Message)
}

// NewMediaGroupCollector 创建相册收集器
func NewMediaGroupCollector(timeout time.Duration, onCollect func([]*botModels.Message)) *MediaGroupCollector {
	return &MediaGroupCollector{
		buffers:   make(map[string]*mediaGroupBuffer),
		inflight:  make(map[*mediaGroupBuffer]int64),
		timeout:   timeout,
		onCollect: onCollect,
	}
}

// Add 添加消息到收集器，每次添加都会重置该相册的定时器
func (c *MediaGroupCollector) Add(message *botModels.Message) {
	mediaGroupID := message.MediaGroupID

	c.mutex.Lock()
	defer c.mutex.Unlock()

	buffer, exists := c.buffers[mediaGroupID]
	if !exists {
		buffer = &mediaGroupBuffer{}
		c.buffers[mediaGroupID] = buffer
		logger.L().Debugf("Created new media group buffer: media_group_id=%s", mediaGroupID)
	}

	buffer.messages = append(buffer.messages, message)
	logger.L().Debugf("Added message to media group: media_group_id=%s, total_messages=%d",
		mediaGroupID, len(buffer.messages))

	if buffer.timer != nil {
		buffer.timer.Stop()
	}
	buffer.timer = time.AfterFunc(c.timeout, func() {
		c.collect(mediaGroupID)
	})
}

// Pending 尚未交付的相册数量
func (c *MediaGroupCollector) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.buffers)
}

// LowWaterMark 缓冲中或正在交付的相册里最小的消息 ID
// 相册入库前，收件箱读取不能越过该 ID
func (c *MediaGroupCollector) LowWaterMark() (int64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var (
		low   int64
		found bool
	)
	for _, buffer := range c.buffers {
		for _, message := range buffer.messages {
			if id := int64(message.ID); !found || id < low {
				low, found = id, true
			}
		}
	}
	for _, id := range c.inflight {
		if !found || id < low {
			low, found = id, true
		}
	}
	return low, found
}

// Flush 立即交付所有缓冲中的相册（停止监听时调用）
func (c *MediaGroupCollector) Flush() {
	c.mutex.Lock()
	ids := make([]string, 0, len(c.buffers))
	for id, buffer := range c.buffers {
		if buffer.timer != nil {
			buffer.timer.Stop()
		}
		ids = append(ids, id)
	}
	c.mutex.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		c.collect(id)
	}
}

// collect 交付一个相册；定时器和 Flush 可能并发触发，只有先取走缓冲区的一方交付
func (c *MediaGroupCollector) collect(mediaGroupID string) {
	c.mutex.Lock()
	buffer, exists := c.buffers[mediaGroupID]
	if !exists {
		c.mutex.Unlock()
		return
	}
	delete(c.buffers, mediaGroupID)
	messages := buffer.messages
	if len(messages) == 0 {
		c.mutex.Unlock()
		return
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})
	c.inflight[buffer] = int64(messages[0].ID)
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.inflight, buffer)
		c.mutex.Unlock()
	}()

	logger.L().Infof("Media group collection completed: media_group_id=%s, message_count=%d",
		mediaGroupID, len(messages))
	c.onCollect(messages)
}
