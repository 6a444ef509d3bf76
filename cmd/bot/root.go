package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tg_to_mastodon/internal/app"
	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/repository"
)

func newRootCmd() *cobra.Command {
	runCmd := newRunCmd()

	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Mirror a Telegram channel onto a Mastodon account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init()
		},
		// 不带子命令时等同于 run
		RunE: runCmd.RunE,
	}
	cmd.AddCommand(runCmd, newRecordsCmd(), newResetCmd())
	return cmd
}

// loadConfig 加载 .env 与环境变量；storeOnly 时只校验存储配置
func loadConfig(storeOnly bool) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if storeOnly {
		err = cfg.ValidateStore()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStores 运维命令使用的存储（不连接 Telegram / Mastodon）
func openStores(ctx context.Context) (*app.Stores, *config.Config, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, nil, err
	}
	stores, err := app.OpenStores(ctx, cfg, repository.LedgerOptions{
		Owner: "cli-" + uuid.NewString(),
		Lease: cfg.LeaseDuration,
	})
	if err != nil {
		return nil, nil, err
	}
	return stores, cfg, nil
}
