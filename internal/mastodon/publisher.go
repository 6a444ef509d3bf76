// Package mastodon 把转换后的帖子发布到 Mastodon 账号
package mastodon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/models"

	"github.com/gabriel-vasile/mimetype"
	gomastodon "github.com/mattn/go-mastodon"
)

const (
	// sniffBytes 用于 MIME 嗅探的头部字节数
	sniffBytes = 3072
	// defaultRateLimitDelay 429 没有给出等待时间时使用
	defaultRateLimitDelay = 30 * time.Second
	// defaultMediaPollInterval 视频等异步处理的附件轮询间隔
	defaultMediaPollInterval = time.Second
)

// MediaSource 按需打开源媒体
type MediaSource interface {
	OpenMedia(ctx context.Context, item models.MediaItem) (io.ReadCloser, error)
}

// Config Mastodon 发布配置
type Config struct {
	InstanceURL    string
	AccessToken    string
	RequestTimeout time.Duration
	RatePerSecond  int
	UserAgent      string
}

// Option 自定义发布器行为
type Option func(*Publisher)

// WithHTTPTransport 自定义底层 RoundTripper（测试时使用）
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(p *Publisher) {
		if rt != nil {
			p.baseTransport = rt
		}
	}
}

// WithNowFunc 自定义时间函数（用于测试）
func WithNowFunc(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.nowFunc = now
		}
	}
}

// WithMediaPollInterval 自定义附件处理状态的轮询间隔（测试时使用）
func WithMediaPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// Publisher Mastodon 发布器
type Publisher struct {
	client         *gomastodon.Client
	media          MediaSource
	limiter        *RateLimiter
	requestTimeout time.Duration
	pollInterval   time.Duration

	server      string
	accessToken string
	userAgent   string

	baseTransport http.RoundTripper
	nowFunc       func() time.Time
}

// New 创建发布器
func New(cfg Config, media MediaSource, opts ...Option) (*Publisher, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("mastodon instance url cannot be empty")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("mastodon access token cannot be empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	p := &Publisher{
		media:          media,
		requestTimeout: cfg.RequestTimeout,
		pollInterval:   defaultMediaPollInterval,
		server:         strings.TrimRight(cfg.InstanceURL, "/"),
		accessToken:    cfg.AccessToken,
		userAgent:      cfg.UserAgent,
		baseTransport:  http.DefaultTransport,
		nowFunc:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	client := gomastodon.NewClient(&gomastodon.Config{
		Server:      p.server,
		AccessToken: cfg.AccessToken,
	})
	// 上传耗时与文件大小相关，超时由调用方 ctx 控制
	client.Timeout = 0
	client.Transport = &transport{base: p.baseTransport, now: p.nowFunc}
	if cfg.UserAgent != "" {
		client.UserAgent = cfg.UserAgent
	}
	p.client = client
	p.limiter = NewRateLimiter(cfg.RatePerSecond)

	return p, nil
}

// InitFromConfig 从应用配置创建发布器
func InitFromConfig(cfg *config.Config, media MediaSource, opts ...Option) (*Publisher, error) {
	return New(Config{
		InstanceURL:    cfg.Mastodon.InstanceURL,
		AccessToken:    cfg.Mastodon.AccessToken,
		RequestTimeout: cfg.Mastodon.RequestTimeout,
		RatePerSecond:  cfg.Mastodon.RatePerSecond,
		UserAgent:      "tg_to_mastodon",
	}, media, opts...)
}

// Close 释放限流器
func (p *Publisher) Close() {
	p.limiter.Close()
}

// VerifyCredentials 启动时校验 access token
func (p *Publisher) VerifyCredentials(ctx context.Context) (*gomastodon.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	ctx, rec := withRecorder(ctx)
	account, err := p.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify mastodon credentials: %w", p.classify(ctx, rec, err))
	}
	return account, nil
}

// Publish 依次上传附件后发布帖子，返回 status ID
// 任一附件失败都不会发布帖子；已上传的附件没有被引用，会被实例定期清理
func (p *Publisher) Publish(ctx context.Context, post *models.DestinationPost) (string, error) {
	log := logger.Message(post.ChatID, post.SourceID)

	mediaIDs := make([]gomastodon.ID, 0, len(post.Media))
	for i, attachment := range post.Media {
		id, err := p.uploadAttachment(ctx, attachment)
		if err != nil {
			return "", fmt.Errorf("attachment %d/%d: %w", i+1, len(post.Media), err)
		}
		log.WithField("attachment_id", id).Debugf("Uploaded attachment %d/%d", i+1, len(post.Media))
		mediaIDs = append(mediaIDs, id)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", &models.TransientPublishError{Err: fmt.Errorf("rate limiter wait error: %w", err)}
	}

	statusCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	statusCtx = withIdempotencyKey(statusCtx, post.IdempotencyKey)
	statusCtx, rec := withRecorder(statusCtx)

	status, err := p.client.PostStatus(statusCtx, &gomastodon.Toot{
		Status:     post.Text,
		MediaIDs:   mediaIDs,
		Visibility: post.Visibility,
		Language:   post.Language,
	})
	if err != nil {
		return "", fmt.Errorf("post status: %w", p.classify(statusCtx, rec, err))
	}

	log.WithField("status_id", status.ID).Info("Published status to Mastodon")
	return string(status.ID), nil
}

// uploadAttachment 流式上传一个附件并等待实例处理完成；打开的媒体流在返回前关闭
func (p *Publisher) uploadAttachment(ctx context.Context, attachment models.MediaAttachment) (gomastodon.ID, error) {
	body, err := p.media.OpenMedia(ctx, attachment.Source)
	if err != nil {
		return "", err
	}
	defer body.Close()

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	head = head[:n]
	if n == 0 {
		return "", &models.FatalPublishError{Err: fmt.Errorf("media %s is empty", attachment.Source.FileID)}
	}

	detected := mimetype.Detect(head)
	if !mimeMatches(attachment.Type, detected) {
		return "", &models.FatalPublishError{
			Err: fmt.Errorf("media %s declared as %s but content is %s",
				attachment.Source.FileID, attachment.Type, detected.String()),
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", &models.TransientPublishError{Err: fmt.Errorf("rate limiter wait error: %w", err)}
	}

	filename := attachment.Source.FileName
	if filename == "" {
		filename = attachment.Source.FileID + detected.Extension()
	}

	uploaded, err := p.postMedia(ctx, io.MultiReader(bytes.NewReader(head), body), filename, detected.String())
	if err != nil {
		return "", err
	}

	// 视频等大文件异步处理：202 或 url 为空时，引用前必须等处理完成
	if uploaded.URL == "" {
		if err := p.waitProcessed(ctx, uploaded.ID); err != nil {
			return "", err
		}
	}
	return uploaded.ID, nil
}

// mimeMatches 嗅探结果需与目标附件类型一致
func mimeMatches(attachmentType string, detected *mimetype.MIME) bool {
	mime := detected.String()
	switch attachmentType {
	case models.AttachmentTypeImage:
		return strings.HasPrefix(mime, "image/")
	case models.AttachmentTypeVideo:
		return strings.HasPrefix(mime, "video/")
	case models.AttachmentTypeGifv:
		return strings.HasPrefix(mime, "video/") || detected.Is("image/gif")
	case models.AttachmentTypeAudio:
		// ogg/mp4 等容器可能被识别为 video
		return strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") || detected.Is("application/ogg")
	default:
		return false
	}
}

// classify 按 transport 记录的响应状态码把发布错误分为可重试 / 不可重试
func (p *Publisher) classify(ctx context.Context, rec *responseRecorder, err error) error {
	status, retryAfter := rec.snapshot()
	return p.classifyStatus(ctx, status, retryAfter, err)
}

func (p *Publisher) classifyStatus(ctx context.Context, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = defaultRateLimitDelay
		}
		p.limiter.Pause(retryAfter)
		return &models.TransientPublishError{Err: err, RetryAfter: retryAfter}
	case status >= 500, status == http.StatusRequestTimeout:
		return &models.TransientPublishError{Err: err}
	case status >= 400:
		return &models.FatalPublishError{Err: err}
	}

	// 网络错误、超时
	if ctx.Err() != nil || status == 0 {
		return &models.TransientPublishError{Err: err}
	}
	return &models.FatalPublishError{Err: err}
}
