package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tg_to_mastodon/internal/app"
	"tg_to_mastodon/internal/logger"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the forwarding bridge (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := application.Close(closeCtx); err != nil {
					logger.L().Errorf("Failed to close application: %v", err)
				}
			}()

			logger.L().Infof("Bridge started: channel_id=%d instance=%s polling_interval=%s",
				cfg.Telegram.ChannelID, cfg.Mastodon.InstanceURL, cfg.PollingInterval)

			if err := application.Run(ctx); err != nil {
				return err
			}

			logger.L().Info("Bridge stopped")
			return nil
		},
	}
}
