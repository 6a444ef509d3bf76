package mastodon

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type contextKey int

const (
	idempotencyKeyCtx contextKey = iota
	responseRecorderCtx
)

// withIdempotencyKey 让该请求携带 Idempotency-Key 头
func withIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx, key)
}

// responseRecorder 记录最近一次响应的状态码和限流信息，用于错误分类
type responseRecorder struct {
	mu         sync.Mutex
	status     int
	retryAfter time.Duration
}

func withRecorder(ctx context.Context) (context.Context, *responseRecorder) {
	rec := &responseRecorder{}
	return context.WithValue(ctx, responseRecorderCtx, rec), rec
}

func (r *responseRecorder) record(resp *http.Response, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = resp.StatusCode
	r.retryAfter = retryAfterFromHeaders(resp.Header, now)
}

func (r *responseRecorder) snapshot() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.retryAfter
}

// transport 注入 Idempotency-Key 并记录响应
type transport struct {
	base http.RoundTripper
	now  func() time.Time
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if key, ok := ctx.Value(idempotencyKeyCtx).(string); ok && req.Method == http.MethodPost {
		req = req.Clone(ctx)
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if rec, ok := ctx.Value(responseRecorderCtx).(*responseRecorder); ok {
		rec.record(resp, t.now())
	}
	return resp, nil
}

// retryAfterFromHeaders 优先 Retry-After（秒），其次 Mastodon 的 X-RateLimit-Reset（时间戳）
func retryAfterFromHeaders(header http.Header, now time.Time) time.Duration {
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(value); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}

	if value := header.Get("X-RateLimit-Reset"); value != "" {
		if at, err := time.Parse(time.RFC3339Nano, value); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}

	return 0
}
