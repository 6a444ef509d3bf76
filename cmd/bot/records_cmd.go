package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tg_to_mastodon/internal/models"
)

type recordsOutput struct {
	Status  string                  `json:"status,omitempty"`
	Count   int                     `json:"count"`
	Records []*models.ForwardRecord `json:"records"`
}

func newRecordsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List forward ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !models.IsValidStatus(status) {
				return fmt.Errorf("invalid --status %q", status)
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be >= 1, got %d", limit)
			}

			stores, _, err := openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close(cmd.Context())

			records, err := stores.Ledger.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []*models.ForwardRecord{}
			}

			return writeJSON(recordsOutput{
				Status:  status,
				Count:   len(records),
				Records: records,
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, succeeded, failed, skipped, failed_permanent)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	return cmd
}
