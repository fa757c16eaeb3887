package cmd

import (
	"fmt"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate visitor stats from the configured store",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print the summary as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	clock := quartz.NewReal()
	st, closeStore, err := openStore(cmd.Context(), cfg, clock)
	if err != nil {
		return err
	}
	defer closeStore()

	sum, err := store.Summarize(cmd.Context(), st, policyFrom(cfg), clock.Now())
	if err != nil {
		return fmt.Errorf("failed to summarize visitors: %w", err)
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		data, err := jsonpkg.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintln(out, "Visitor Stats")
	fmt.Fprintln(out, "=============")
	fmt.Fprintf(out, "Total visitors:   %d\n", sum.TotalVisitors)
	fmt.Fprintf(out, "Total runs:       %d\n", sum.TotalRuns)
	fmt.Fprintf(out, "Active this week: %d\n", sum.ActiveThisWeek)
	fmt.Fprintf(out, "Runs this week:   %d\n", sum.RunsThisWeek)
	if len(sum.Visitors) > 0 {
		fmt.Fprintln(out)
		for _, v := range sum.Visitors {
			fmt.Fprintf(out, "  %s  week=%d total=%d last=%s\n", v.VisitorID, v.WeeklyRuns, v.TotalRuns, v.LastVisit.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
