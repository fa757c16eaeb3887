package cmd

import (
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	"roamii/internal/store"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop usage events older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		clock := quartz.NewReal()
		st, closeStore, err := openStore(cmd.Context(), cfg, clock)
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := store.PruneExpired(cmd.Context(), st, policyFrom(cfg), clock.Now(), time.Duration(cfg.RetentionDays)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("failed to prune: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d usage events\n", n)
		return nil
	},
}
