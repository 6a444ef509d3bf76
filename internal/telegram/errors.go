package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tg_to_mastodon/internal/models"

	"github.com/go-telegram/bot"
)

// defaultFetchRetryAfter 429 未给出 retry_after 时的等待时间
const defaultFetchRetryAfter = 3 * time.Second

// shouldRetryFetch 判断 Bot API 错误是否值得在下一轮重试
func shouldRetryFetch(err error) bool {
	if err == nil {
		return false
	}

	var tooManyRequests *bot.TooManyRequestsError
	if errors.As(err, &tooManyRequests) {
		return true
	}

	var migrateErr *bot.MigrateError
	if errors.As(err, &migrateErr) {
		return false
	}

	if errors.Is(err, bot.ErrorForbidden) ||
		errors.Is(err, bot.ErrorBadRequest) ||
		errors.Is(err, bot.ErrorUnauthorized) ||
		errors.Is(err, bot.ErrorNotFound) {
		return false
	}

	// 网络错误、超时等
	return true
}

// classifyBotError 把 Bot API 错误包装为 TransientFetchError / FatalFetchError
func classifyBotError(err error) error {
	if err == nil {
		return nil
	}
	if !shouldRetryFetch(err) {
		return &models.FatalFetchError{Err: err}
	}

	fetchErr := &models.TransientFetchError{Err: err}
	var tooManyRequests *bot.TooManyRequestsError
	if errors.As(err, &tooManyRequests) {
		fetchErr.RetryAfter = time.Duration(tooManyRequests.RetryAfter) * time.Second
		if fetchErr.RetryAfter <= 0 {
			fetchErr.RetryAfter = defaultFetchRetryAfter
		}
	}
	return fetchErr
}

// classifyDownloadStatus 按文件下载的 HTTP 状态码分类
func classifyDownloadStatus(resp *http.Response) error {
	err := fmt.Errorf("telegram file download failed: %s", resp.Status)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.TransientFetchError{Err: err, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &models.TransientFetchError{Err: err}
	default:
		return &models.FatalFetchError{Err: err}
	}
}

// classifyTransportError 下载过程中的网络错误；调用方取消时原样返回
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.TransientFetchError{Err: err}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultFetchRetryAfter
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err != nil || seconds <= 0 {
		return defaultFetchRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
