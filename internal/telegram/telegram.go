// Package telegram 实现源频道监听：长轮询 channel_post 写入收件箱，并按需流式下载媒体
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/models"
	"tg_to_mastodon/internal/repository"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

const (
	defaultSaveRetryDelay = 200 * time.Millisecond
	maxSaveRetryDelay     = 5 * time.Second
	// albumSaveWindow 相册在定时器 goroutine 中入库，没有上游 ctx
	albumSaveWindow = 2 * time.Minute
)

// Config 源频道监听配置
type Config struct {
	Token          string        // Bot Token
	ChannelID      int64         // 源频道 ID
	RequestTimeout time.Duration // Bot API / 文件下载超时
	MediaMaxBytes  int64         // 单个媒体最大字节数
	AlbumWait      time.Duration // 相册收集等待时间
}

// fileResolver getFile + 下载链接（*bot.Bot 实现）
type fileResolver interface {
	GetFile(ctx context.Context, params *bot.GetFileParams) (*botModels.File, error)
	FileDownloadLink(f *botModels.File) string
}

// Option 监听器选项
type Option func(*Listener)

// WithBotOptions 追加 bot.New 选项（测试时指定 server URL 等）
func WithBotOptions(opts ...bot.Option) Option {
	return func(l *Listener) {
		l.botOptions = append(l.botOptions, opts...)
	}
}

// WithHTTPClient 自定义文件下载 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(l *Listener) {
		if client != nil {
			l.httpClient = client
		}
	}
}

// WithIngestHook 每条消息入箱后回调（用于指标）
func WithIngestHook(hook func(*models.SourceMessage)) Option {
	return func(l *Listener) {
		l.onIngest = hook
	}
}

// Listener 源频道监听器
type Listener struct {
	bot        *bot.Bot
	files      fileResolver
	inbox      repository.InboxRepository
	collector  *MediaGroupCollector
	httpClient *http.Client
	botOptions []bot.Option
	onIngest   func(*models.SourceMessage)

	channelID      int64
	maxBytes       int64
	requestTimeout time.Duration
	saveRetryDelay time.Duration
}

// New 创建监听器；bot.New 会调用 getMe，Token 无效时直接返回错误
func New(cfg Config, inbox repository.InboxRepository, opts ...Option) (*Listener, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if cfg.ChannelID == 0 {
		return nil, fmt.Errorf("telegram channel id cannot be empty")
	}

	l := newListener(cfg, inbox, opts...)

	botOpts := append([]bot.Option{
		bot.WithDefaultHandler(l.handleUpdate),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"channel_post"}),
		bot.WithNotAsyncHandlers(),
		bot.WithErrorsHandler(func(err error) {
			logger.L().Warnf("Telegram polling error: %v", err)
		}),
	}, l.botOptions...)

	b, err := bot.New(cfg.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	l.bot = b
	l.files = b

	logger.L().Infof("Telegram listener initialized: channel_id=%d", cfg.ChannelID)
	return l, nil
}

// InitFromConfig 从应用配置初始化监听器
func InitFromConfig(cfg *config.Config, inbox repository.InboxRepository, opts ...Option) (*Listener, error) {
	return New(Config{
		Token:          cfg.Telegram.Token,
		ChannelID:      cfg.Telegram.ChannelID,
		RequestTimeout: cfg.Telegram.RequestTimeout,
		MediaMaxBytes:  cfg.Telegram.MediaMaxBytes,
		AlbumWait:      cfg.Telegram.AlbumWait,
	}, inbox, opts...)
}

func newListener(cfg Config, inbox repository.InboxRepository, opts ...Option) *Listener {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AlbumWait <= 0 {
		cfg.AlbumWait = 2 * time.Second
	}

	l := &Listener{
		inbox:          inbox,
		channelID:      cfg.ChannelID,
		maxBytes:       cfg.MediaMaxBytes,
		requestTimeout: cfg.RequestTimeout,
		saveRetryDelay: defaultSaveRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.httpClient == nil {
		// 下载大文件不设整体超时，由调用方 ctx 控制
		l.httpClient = &http.Client{}
	}
	l.collector = NewMediaGroupCollector(cfg.AlbumWait, l.saveAlbum)
	return l
}

// ChatID 源频道 ID
func (l *Listener) ChatID() int64 {
	return l.channelID
}

// Start 启动长轮询（阻塞直到 ctx 取消），退出前交付缓冲中的相册
func (l *Listener) Start(ctx context.Context) error {
	logger.L().Info("Starting Telegram listener...")
	l.bot.Start(ctx)
	l.collector.Flush()
	logger.L().Info("Telegram listener stopped")
	return nil
}

// handleUpdate bot 默认 handler
func (l *Listener) handleUpdate(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	if update == nil || update.ChannelPost == nil {
		return
	}
	l.ingest(ctx, update.ChannelPost)
}

// ingest 过滤频道并写入收件箱；相册交给收集器
func (l *Listener) ingest(ctx context.Context, message *botModels.Message) {
	if message.Chat.ID != l.channelID {
		logger.L().Debugf("Ignoring post from unexpected chat: chat_id=%d", message.Chat.ID)
		return
	}

	if message.MediaGroupID != "" {
		l.collector.Add(message)
		return
	}

	l.save(ctx, normalize(message))
}

func (l *Listener) saveAlbum(messages []*botModels.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), albumSaveWindow)
	defer cancel()
	l.save(ctx, mergeAlbum(messages))
}

// save 写入失败时退避重试，直到成功或 ctx 结束
// 期间 handler 阻塞，后续 update 不会被处理
func (l *Listener) save(ctx context.Context, msg *models.SourceMessage) {
	log := logger.Message(msg.ChatID, msg.ID)

	delay := l.saveRetryDelay
	for attempt := 1; ; attempt++ {
		err := l.inbox.Save(ctx, msg)
		if err == nil {
			break
		}
		log.WithError(err).
			WithField("attempt", attempt).
			WithField("retry_in", delay.String()).
			Warn("Failed to save channel post to inbox, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.WithError(ctx.Err()).Error("Gave up saving channel post to inbox")
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > maxSaveRetryDelay {
			delay = maxSaveRetryDelay
		}
	}

	log.WithField("media", len(msg.Media)).Debug("Channel post saved to inbox")
	if l.onIngest != nil {
		l.onIngest(msg)
	}
}

// FetchNewMessages 读取游标之后的消息（source_id 升序，最多 limit 条）
// 仍在收集的相册之后的消息暂不返回，否则游标越过相册，相册入库后永远不会被转发
func (l *Listener) FetchNewMessages(ctx context.Context, since int64, limit int) ([]*models.SourceMessage, error) {
	// 先取水位再读收件箱：水位消失说明相册已入库，能被这次读取看到
	low, pending := l.collector.LowWaterMark()

	messages, err := l.inbox.ListAfter(ctx, l.channelID, since, limit)
	if err != nil {
		return nil, &models.TransientFetchError{Err: err}
	}
	if !pending {
		return messages, nil
	}

	for i, msg := range messages {
		if msg.ID >= low {
			logger.L().Debugf("Holding back %d messages behind pending album: chat_id=%d, album_start=%d",
				len(messages)-i, l.channelID, low)
			return messages[:i], nil
		}
	}
	return messages, nil
}

// OpenMedia 流式打开媒体内容，调用方负责 Close
func (l *Listener) OpenMedia(ctx context.Context, item models.MediaItem) (io.ReadCloser, error) {
	if l.maxBytes > 0 && item.FileSize > l.maxBytes {
		return nil, &models.FatalFetchError{
			Err: fmt.Errorf("media %s is %d bytes, limit is %d", item.FileID, item.FileSize, l.maxBytes),
		}
	}

	// 下载本身不限时，getFile 只是一次 API 调用
	getFileCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	file, err := l.files.GetFile(getFileCtx, &bot.GetFileParams{FileID: item.FileID})
	cancel()
	if err != nil {
		return nil, classifyBotError(fmt.Errorf("getFile %s: %w", item.FileID, err))
	}
	if file.FilePath == "" {
		return nil, &models.FatalFetchError{Err: fmt.Errorf("getFile %s returned no file path", item.FileID)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.files.FileDownloadLink(file), nil)
	if err != nil {
		return nil, &models.FatalFetchError{Err: fmt.Errorf("build download request: %w", err)}
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("download %s: %w", item.FileID, err))
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyDownloadStatus(resp)
	}

	if l.maxBytes <= 0 {
		return resp.Body, nil
	}
	return &limitedBody{body: resp.Body, remaining: l.maxBytes, fileID: item.FileID}, nil
}

// limitedBody 超过上限时返回 FatalFetchError，而不是静默截断
type limitedBody struct {
	body      io.ReadCloser
	remaining int64
	fileID    string
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, b.tooLarge()
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.body.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n + int(b.remaining), b.tooLarge()
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.body.Close()
}

func (b *limitedBody) tooLarge() error {
	return &models.FatalFetchError{Err: fmt.Errorf("media %s exceeds size limit", b.fileID)}
}
