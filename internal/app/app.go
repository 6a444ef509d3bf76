package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/forward"
	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/mastodon"
	"tg_to_mastodon/internal/metrics"
	"tg_to_mastodon/internal/models"
	"tg_to_mastodon/internal/repository"
	"tg_to_mastodon/internal/telegram"
	"tg_to_mastodon/internal/translator"

	"github.com/google/uuid"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	InstanceID  string
	Stores      *Stores
	Listener    *telegram.Listener
	Publisher   *mastodon.Publisher
	Coordinator *forward.Coordinator
	Scheduler   *forward.Scheduler
	Metrics     *metrics.Metrics

	metricsAddr   string
	metricsServer *metrics.Server
}

// New 初始化应用及其所有服务
// 任一平台鉴权失败都直接返回错误，进程不应运行一条无法完成的流水线
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		InstanceID:  uuid.NewString(),
		Metrics:     metrics.New(),
		metricsAddr: cfg.MetricsAddr,
	}

	stores, err := OpenStores(ctx, cfg, repository.LedgerOptions{
		Owner: app.InstanceID,
		Lease: cfg.LeaseDuration,
	})
	if err != nil {
		return nil, err
	}
	app.Stores = stores

	listener, err := telegram.InitFromConfig(cfg, stores.Inbox, telegram.WithIngestHook(func(*models.SourceMessage) {
		app.Metrics.Ingested()
	}))
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init Telegram listener failed: %w", err)
	}
	app.Listener = listener

	publisher, err := mastodon.InitFromConfig(cfg, listener)
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init Mastodon publisher failed: %w", err)
	}
	app.Publisher = publisher

	account, err := publisher.VerifyCredentials(ctx)
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	logger.L().Infof("Mastodon credentials verified: account=@%s", account.Acct)

	app.Coordinator = forward.NewCoordinator(
		listener,
		translator.New(translator.Options{
			MaxChars:        cfg.Mastodon.MaxChars,
			Visibility:      cfg.Mastodon.Visibility,
			Language:        cfg.Mastodon.Language,
			ChannelUsername: cfg.Telegram.ChannelUsername,
			MaxMediaBytes:   cfg.Telegram.MediaMaxBytes,
		}),
		publisher,
		stores.Ledger,
		stores.Cursors,
		app.Metrics,
		forward.Options{
			MaxRetries:     cfg.MaxRetries,
			PageSize:       cfg.FetchPageSize,
			MessageTimeout: cfg.MessageTimeout,
		},
	)
	app.Scheduler = forward.NewScheduler(app.Coordinator, cfg.PollingInterval)

	logger.L().Infof("Application initialized: instance_id=%s", app.InstanceID)
	return app, nil
}

// Run 启动监听与调度，阻塞直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	if a.metricsAddr != "" {
		server, err := metrics.Start(a.metricsAddr, a.Metrics, metrics.HealthCheck{
			Name:  "store",
			Check: a.Stores.Ping,
		})
		if err != nil {
			return err
		}
		a.metricsServer = server
	}

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := a.Listener.Start(ctx); err != nil {
			logger.L().Errorf("Telegram listener stopped with error: %v", err)
		}
	}()

	a.Scheduler.Start()

	<-ctx.Done()
	logger.L().Info("Shutdown requested, finishing in-flight message...")

	a.Scheduler.Stop()
	<-listenerDone
	return nil
}

// Close 优雅关闭所有服务
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server failed: %w", err))
		}
		cancel()
	}
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Stores != nil {
		if err := a.Stores.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
