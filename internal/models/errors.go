package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecordNotFound 台账中没有该源消息的记录
	ErrRecordNotFound = errors.New("forward record not found")
	// ErrRecordClosed 记录已处于终态（succeeded/skipped/failed_permanent）
	ErrRecordClosed = errors.New("forward record is closed")
)

// TransientFetchError 从 Telegram 拉取失败，可重试（限流、网络）
type TransientFetchError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FatalFetchError 从 Telegram 拉取失败，不可重试（鉴权、权限、文件过大）
type FatalFetchError struct {
	Err error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("fatal fetch error: %v", e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// AlreadyInFlightError 同一源消息已有未过期的 pending 记录
type AlreadyInFlightError struct {
	SourceID   int64
	LeaseOwner string
	LeaseUntil time.Time
}

func (e *AlreadyInFlightError) Error() string {
	return fmt.Sprintf("source message %d is already in flight (owner=%s, lease_until=%s)",
		e.SourceID, e.LeaseOwner, e.LeaseUntil.Format(time.RFC3339))
}

// ConflictError 以不同的 destination_post_id 重复提交
type ConflictError struct {
	SourceID  int64
	Existing  string
	Attempted string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("source message %d already committed as %s, refusing %s",
		e.SourceID, e.Existing, e.Attempted)
}

// UnsupportedContentError 消息既无文本也无可转换媒体
type UnsupportedContentError struct {
	SourceID int64
	Reason   string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("source message %d has no forwardable content: %s", e.SourceID, e.Reason)
}

// TransientPublishError 发布到 Mastodon 失败，可重试
type TransientPublishError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientPublishError) Error() string {
	return fmt.Sprintf("transient publish error: %v", e.Err)
}

func (e *TransientPublishError) Unwrap() error { return e.Err }

// FatalPublishError 发布被拒绝，不可重试
type FatalPublishError struct {
	Err error
}

func (e *FatalPublishError) Error() string {
	return fmt.Sprintf("fatal publish error: %v", e.Err)
}

func (e *FatalPublishError) Unwrap() error { return e.Err }

// IsTransient 是否为可在下一轮重试的错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fetchErr *TransientFetchError
	if errors.As(err, &fetchErr) {
		return true
	}
	var publishErr *TransientPublishError
	return errors.As(err, &publishErr)
}

// IsPermanent 是否为永久失败（该消息不再重试）
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var fatalFetch *FatalFetchError
	if errors.As(err, &fatalFetch) {
		return true
	}
	var fatalPublish *FatalPublishError
	if errors.As(err, &fatalPublish) {
		return true
	}
	var unsupported *UnsupportedContentError
	return errors.As(err, &unsupported)
}

// RetryAfterOf 提取服务端建议的重试等待时间
func RetryAfterOf(err error) time.Duration {
	var fetchErr *TransientFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.RetryAfter
	}
	var publishErr *TransientPublishError
	if errors.As(err, &publishErr) {
		return publishErr.RetryAfter
	}
	return 0
}
