package mastodon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errLimiterClosed 发布器已关闭
var errLimiterClosed = errors.New("rate limiter closed")

// RateLimiter 请求节流：令牌桶 + 实例返回 429 后的整体暂停
type RateLimiter struct {
	tokens chan struct{}
	stopCh chan struct{}
	once   sync.Once
	every  time.Duration

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewRateLimiter ratePerSecond <= 0 时按 1 处理；桶容量等于 ratePerSecond
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}

	r := &RateLimiter{
		tokens: make(chan struct{}, ratePerSecond),
		stopCh: make(chan struct{}),
		every:  time.Second / time.Duration(ratePerSecond),
	}
	for len(r.tokens) < cap(r.tokens) {
		r.tokens <- struct{}{}
	}

	go r.refill()
	return r
}

// Wait 先等待暂停结束，再取一个令牌
func (r *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-r.stopCh:
		return errLimiterClosed
	default:
	}

	if d := r.pauseRemaining(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.stopCh:
			timer.Stop()
			return errLimiterClosed
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return errLimiterClosed
	case <-r.tokens:
		return nil
	}
}

// Pause 在 d 之内不再放行请求；只会延长，不会缩短已有的暂停
func (r *RateLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.pausedUntil) {
		r.pausedUntil = until
	}
}

func (r *RateLimiter) pauseRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Until(r.pausedUntil)
}

func (r *RateLimiter) refill() {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			select {
			case r.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Close 停止补充令牌，等待中的 Wait 返回错误；可重复调用
func (r *RateLimiter) Close() {
	r.once.Do(func() {
		close(r.stopCh)
	})
}
