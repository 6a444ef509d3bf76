package forward

import (
	"context"
	"time"

	"tg_to_mastodon/internal/logger"
)

// PassRunner 执行一轮转发
type PassRunner interface {
	RunPass(ctx context.Context) (PassResult, error)
}

// Scheduler 定时触发转发轮次
// 启动后立即执行一轮，之后每隔 interval 执行；轮次因可重试错误中断时提前重试
type Scheduler struct {
	runner   PassRunner
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(runner PassRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
	}
}

// Start 后台运行
func (s *Scheduler) Start() {
	if s == nil || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
	logger.L().Infof("Forward scheduler started: interval=%s", s.interval)
}

// Stop 停止调度并等待当前消息处理完成
func (s *Scheduler) Stop() {
	if s == nil || s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	logger.L().Info("Forward scheduler stopped")
}

// Run 阻塞运行直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	for {
		result, err := s.runner.RunPass(ctx)
		if err != nil {
			logger.L().Errorf("Forward pass failed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		wait := s.nextDelay(result, err)
		timer := time.NewTimer(wait)
		logger.L().Debugf("Next forward pass in %s", wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextDelay 正常结束等待一个轮询间隔；中断时按建议时间重试，但不超过轮询间隔
func (s *Scheduler) nextDelay(result PassResult, err error) time.Duration {
	if !result.Halted && err == nil {
		return s.interval
	}

	wait := result.RetryAfter
	if wait <= 0 {
		wait = defaultForwardRetryDelay
	}
	if wait > s.interval {
		wait = s.interval
	}
	return wait
}
