package forward

import (
	"time"

	"tg_to_mastodon/internal/models"
)

const (
	// defaultForwardRetryDelay 限流但未给出等待时间时使用
	defaultForwardRetryDelay = 3 * time.Second
	// baseForwardRetryDelay 指数退避起点
	baseForwardRetryDelay = time.Second
	// maxForwardExponentialBackoff 指数退避上限
	maxForwardExponentialBackoff = 5 * time.Minute
)

// shouldRetryForward 错误是否应在后续轮次重试
// 未分类的错误按可重试处理
func shouldRetryForward(err error) bool {
	if err == nil {
		return false
	}
	return !models.IsPermanent(err)
}

// calculateForwardRetryDelay 计算下一次重试的等待时间
// 服务端给出限流等待时间时使用它并加上按 source id 的抖动，否则按尝试次数指数退避
func calculateForwardRetryDelay(err error, attempt int, sourceID int64) time.Duration {
	if retryAfter := models.RetryAfterOf(err); retryAfter > 0 {
		return retryAfter + forwardRetryJitter(sourceID)
	}

	if attempt < 1 {
		attempt = 1
	}

	delay := baseForwardRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxForwardExponentialBackoff {
			return maxForwardExponentialBackoff
		}
	}
	return delay
}

// forwardRetryJitter 按 source id 错开重试时间：200ms ~ 1s
func forwardRetryJitter(sourceID int64) time.Duration {
	if sourceID < 0 {
		sourceID = -sourceID
	}
	return time.Duration(sourceID%5+1) * 200 * time.Millisecond
}
