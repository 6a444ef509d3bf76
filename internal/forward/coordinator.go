// Package forward 实现转发协调器：按游标逐条把源消息发布到 Mastodon，并以台账保证不重复
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/metrics"
	"tg_to_mastodon/internal/models"
	"tg_to_mastodon/internal/repository"

	log "github.com/sirupsen/logrus"
)

// Source 源频道
type Source interface {
	ChatID() int64
	FetchNewMessages(ctx context.Context, since int64, limit int) ([]*models.SourceMessage, error)
}

// Translator 内容转换
type Translator interface {
	Translate(msg *models.SourceMessage) (*models.DestinationPost, error)
}

// Publisher 目标发布
type Publisher interface {
	Publish(ctx context.Context, post *models.DestinationPost) (string, error)
}

// Options 协调器参数
type Options struct {
	MaxRetries     int           // 单条消息最大尝试次数
	PageSize       int           // 每轮最多处理的消息数
	MessageTimeout time.Duration // 单条消息一次尝试的超时
}

// PassResult 一轮转发的结果
type PassResult struct {
	Processed  int           // 检查过的消息数
	Forwarded  int           // 本轮成功发布
	Skipped    int           // 内容无法转换
	Failed     int           // 发布失败（含永久失败）
	Halted     bool          // 因可重试错误提前结束，游标停在失败消息之前
	HaltedAt   int64         // 提前结束时的 source id
	RetryAfter time.Duration // 建议的重试等待时间
}

// Coordinator 转发协调器
type Coordinator struct {
	source     Source
	translator Translator
	publisher  Publisher
	ledger     repository.Ledger
	cursors    repository.CursorRepository
	metrics    *metrics.Metrics
	opts       Options
}

// NewCoordinator 创建协调器；m 可为 nil
func NewCoordinator(
	source Source,
	translator Translator,
	publisher Publisher,
	ledger repository.Ledger,
	cursors repository.CursorRepository,
	m *metrics.Metrics,
	opts Options,
) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 5 * time.Minute
	}

	return &Coordinator{
		source:     source,
		translator: translator,
		publisher:  publisher,
		ledger:     ledger,
		cursors:    cursors,
		metrics:    m,
		opts:       opts,
	}
}

// messageOutcome 单条消息的处理结果
type messageOutcome int

const (
	outcomeAlreadyDone messageOutcome = iota // 之前已处理（成功或终态）
	outcomeForwarded
	outcomeSkipped
	outcomeAbandoned // 永久失败，游标照常推进
	outcomeHalt      // 可重试失败或他人持有租约，本轮停止
)

// RunPass 执行一轮转发
// ctx 取消只在消息之间生效；正在处理的消息在独立的超时 ctx 上完成，保证台账与游标一致
func (c *Coordinator) RunPass(ctx context.Context) (PassResult, error) {
	var result PassResult
	start := time.Now()
	chatID := c.source.ChatID()
	defer func() {
		c.metrics.PassCompleted(time.Since(start), time.Now())
	}()

	cursor, err := c.cursors.Load(ctx, chatID)
	if err != nil {
		result.Halted = true
		return result, fmt.Errorf("load cursor: %w", err)
	}

	messages, err := c.source.FetchNewMessages(ctx, cursor, c.opts.PageSize)
	if err != nil {
		result.Halted = true
		result.RetryAfter = calculateForwardRetryDelay(err, 1, chatID)
		return result, fmt.Errorf("fetch messages after %d: %w", cursor, err)
	}

	if len(messages) == 0 {
		logger.L().Debugf("Forward pass found no new messages: chat_id=%d, cursor=%d", chatID, cursor)
		return result, nil
	}

	logger.L().Infof("Forward pass started: chat_id=%d, cursor=%d, messages=%d", chatID, cursor, len(messages))

	for _, msg := range messages {
		if ctx.Err() != nil {
			logger.L().Infof("Forward pass interrupted by shutdown: chat_id=%d, next_source_id=%d", chatID, msg.ID)
			break
		}

		result.Processed++
		outcome, retryAfter, err := c.handleMessage(ctx, chatID, msg)
		if err != nil {
			result.Halted = true
			result.HaltedAt = msg.ID
			result.RetryAfter = retryAfter
			return result, err
		}

		switch outcome {
		case outcomeForwarded:
			result.Forwarded++
		case outcomeSkipped:
			result.Skipped++
		case outcomeAbandoned:
			result.Failed++
		case outcomeHalt:
			result.Failed++
			result.Halted = true
			result.HaltedAt = msg.ID
			result.RetryAfter = retryAfter
		}
		if result.Halted {
			break
		}
	}

	logger.L().WithFields(log.Fields{
		"chat_id":   chatID,
		"processed": result.Processed,
		"forwarded": result.Forwarded,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"halted":    result.Halted,
		"duration":  time.Since(start).String(),
	}).Info("Forward pass completed")

	return result, nil
}

// handleMessage 在独立 ctx 上处理一条消息，结束后按结果推进游标
func (c *Coordinator) handleMessage(parent context.Context, chatID int64, msg *models.SourceMessage) (messageOutcome, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.MessageTimeout)
	defer cancel()

	outcome, retryAfter, err := c.processMessage(ctx, chatID, msg)
	if err != nil || outcome == outcomeHalt {
		return outcome, retryAfter, err
	}

	if err := c.cursors.Save(ctx, chatID, msg.ID); err != nil {
		return outcome, defaultForwardRetryDelay, fmt.Errorf("advance cursor to %d: %w", msg.ID, err)
	}
	c.metrics.CursorAdvanced(msg.ID)
	return outcome, 0, nil
}

// processMessage 状态机：Discovered -> Translating -> Publishing -> Committed / Skipped / Failed
func (c *Coordinator) processMessage(ctx context.Context, chatID int64, msg *models.SourceMessage) (messageOutcome, time.Duration, error) {
	entry := logger.Message(chatID, msg.ID)

	forwarded, err := c.ledger.HasForwarded(ctx, chatID, msg.ID)
	if err != nil {
		return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("check ledger for %d: %w", msg.ID, err)
	}
	if forwarded {
		entry.Debug("Message already forwarded, advancing cursor")
		return outcomeAlreadyDone, 0, nil
	}

	record, err := c.ledger.Begin(ctx, chatID, msg.ID)
	if err != nil {
		var inFlight *models.AlreadyInFlightError
		switch {
		case errors.As(err, &inFlight):
			wait := time.Until(inFlight.LeaseUntil)
			if wait < baseForwardRetryDelay {
				wait = baseForwardRetryDelay
			}
			entry.WithField("lease_owner", inFlight.LeaseOwner).
				Warn("Message is being forwarded by another worker, halting pass")
			return outcomeHalt, wait, nil
		case errors.Is(err, models.ErrRecordClosed):
			entry.WithError(err).Info("Message already closed in ledger, advancing cursor")
			return outcomeAlreadyDone, 0, nil
		default:
			return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("begin forward record %d: %w", msg.ID, err)
		}
	}
	entry = entry.WithField("attempt", record.Attempts)

	post, err := c.translator.Translate(msg)
	if err != nil {
		reason := err.Error()
		if err := c.ledger.Skip(ctx, chatID, msg.ID, reason); err != nil {
			return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("skip %d: %w", msg.ID, err)
		}
		c.metrics.Skipped()
		entry.WithError(err).Warn("Message skipped")
		return outcomeSkipped, 0, nil
	}

	postID, err := c.publisher.Publish(ctx, post)
	if err != nil {
		return c.handlePublishError(ctx, entry, msg, record, err)
	}

	if err := c.ledger.Commit(ctx, chatID, msg.ID, postID); err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			// 记录已是 succeeded，游标照常推进
			entry.WithError(err).Error("Ledger commit conflict")
			return outcomeAlreadyDone, 0, nil
		}
		return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("commit %d as %s: %w", msg.ID, postID, err)
	}

	c.metrics.Forwarded()
	entry.WithField("status_id", postID).Info("Message forwarded")
	return outcomeForwarded, 0, nil
}

func (c *Coordinator) handlePublishError(
	ctx context.Context,
	entry *log.Entry,
	msg *models.SourceMessage,
	record *models.ForwardRecord,
	publishErr error,
) (messageOutcome, time.Duration, error) {
	reason := publishErr.Error()

	if !shouldRetryForward(publishErr) {
		if err := c.ledger.Abandon(ctx, record.ChatID, msg.ID, reason); err != nil {
			return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("abandon %d: %w", msg.ID, err)
		}
		c.metrics.Failed(metrics.FailurePermanent)
		entry.WithError(publishErr).Error("Message rejected permanently")
		return outcomeAbandoned, 0, nil
	}

	if record.Attempts >= c.opts.MaxRetries {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", record.Attempts, reason)
		if err := c.ledger.Abandon(ctx, record.ChatID, msg.ID, reason); err != nil {
			return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("abandon %d: %w", msg.ID, err)
		}
		c.metrics.Failed(metrics.FailureExhausted)
		entry.WithError(publishErr).Error("Message abandoned after max retries")
		return outcomeAbandoned, 0, nil
	}

	if err := c.ledger.Fail(ctx, record.ChatID, msg.ID, reason); err != nil {
		return outcomeHalt, defaultForwardRetryDelay, fmt.Errorf("fail %d: %w", msg.ID, err)
	}
	c.metrics.Failed(metrics.FailureTransient)

	retryAfter := calculateForwardRetryDelay(publishErr, record.Attempts, msg.ID)
	entry.WithError(publishErr).
		WithField("retry_after", retryAfter.String()).
		Warn("Message forwarding failed, halting pass for retry")
	return outcomeHalt, retryAfter, nil
}
