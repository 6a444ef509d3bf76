package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tg_to_mastodon/internal/logger"
)

type resetOutput struct {
	SourceID int64  `json:"source_id"`
	ChatID   int64  `json:"chat_id"`
	Status   string `json:"status"`
	Cursor   int64  `json:"cursor"`
}

func newResetCmd() *cobra.Command {
	var (
		sourceID int64
		chatID   int64
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a skipped or failed record so the next pass retries it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID <= 0 {
				return fmt.Errorf("--id must be > 0, got %d", sourceID)
			}

			ctx := cmd.Context()
			stores, cfg, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close(ctx)

			// 未指定 --chat 时使用配置的源频道
			if chatID == 0 {
				chatID = cfg.Telegram.ChannelID
			}
			if chatID == 0 {
				return fmt.Errorf("--chat is required when CHANNEL_ID is not set")
			}

			if _, err := stores.Ledger.Get(ctx, chatID, sourceID); err != nil {
				return err
			}
			if err := stores.Ledger.Reset(ctx, chatID, sourceID); err != nil {
				return err
			}
			// 游标回退到 id-1，下一轮重新拉取该消息；其后已成功的消息由台账跳过
			if err := stores.Cursors.Rewind(ctx, chatID, sourceID-1); err != nil {
				return fmt.Errorf("record reset but cursor rewind failed: %w", err)
			}

			logger.Message(chatID, sourceID).Info("Record reset by operator")

			updated, err := stores.Ledger.Get(ctx, chatID, sourceID)
			if err != nil {
				return err
			}
			return writeJSON(resetOutput{
				SourceID: sourceID,
				ChatID:   chatID,
				Status:   updated.Status,
				Cursor:   sourceID - 1,
			})
		},
	}

	cmd.Flags().Int64Var(&sourceID, "id", 0, "Source message id (required)")
	cmd.Flags().Int64Var(&chatID, "chat", 0, "Source chat id (defaults to CHANNEL_ID)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
