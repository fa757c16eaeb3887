package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roamii/internal/config"
	"roamii/internal/quota"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "roamii",
	Short: "Visitor identity and weekly default-key quota service",
	Long: `Roamii tracks anonymous visitors of the travel planner and how often
they used the shared default API key this week.

Run "roamii serve" for the HTTP service, or "roamii visitor" to act as a
client session against a running server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		cfg = config.Load()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(visitorCmd)
}

func policyFrom(c *config.Config) quota.Policy {
	return quota.Policy{MaxWeekly: c.MaxWeeklyRuns, Boundary: quota.ParseBoundary(c.WeekBoundary)}
}
