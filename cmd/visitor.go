package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	"roamii/internal/identity"
	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/store/httpstore"
	"roamii/internal/tracker"
)

var visitorVerbose bool

var visitorCmd = &cobra.Command{
	Use:   "visitor",
	Short: "Act as a visitor session against a running server",
	Long: `The visitor commands keep the visitor id and its local usage mirror in
APP_STATE_DIR and load the visitor record from APP_SERVER_URL.`,
}

func init() {
	visitorCmd.PersistentFlags().BoolVarP(&visitorVerbose, "verbose", "v", false, "log identity and load details to stderr")
	visitorCmd.AddCommand(
		&cobra.Command{
			Use:   "id",
			Short: "Print the visitor id, creating one on first use",
			RunE: func(cmd *cobra.Command, args []string) error {
				resolver, err := openResolver(quartz.NewReal())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resolver.Resolve())
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the visitor's quota status",
			RunE: func(cmd *cobra.Command, args []string) error {
				t, err := startTracker(cmd.Context())
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), t.Stats())
			},
		},
		&cobra.Command{
			Use:   "record",
			Short: "Record one default-key run",
			RunE: func(cmd *cobra.Command, args []string) error {
				t, err := startTracker(cmd.Context())
				if err != nil {
					return err
				}
				// On a failed save the run stays counted locally, so the
				// stats are printed either way.
				stats, err := t.RecordUsage(cmd.Context())
				if perr := printStats(cmd.OutOrStdout(), stats); err == nil {
					err = perr
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Clear the visitor's usage",
			RunE: func(cmd *cobra.Command, args []string) error {
				t, err := startTracker(cmd.Context())
				if err != nil {
					return err
				}
				stats, err := t.Reset(cmd.Context())
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), stats)
			},
		},
	)
}

func visitorLogger() *log.Logger {
	if visitorVerbose {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func openResolver(clock quartz.Clock) (*identity.Resolver, error) {
	storage, err := identity.OpenFileStorage(filepath.Join(cfg.StateDir, "storage.json"))
	if err != nil {
		return nil, err
	}
	jar, err := identity.OpenCookieFile(filepath.Join(cfg.StateDir, "cookies.txt"), clock)
	if err != nil {
		return nil, err
	}
	return identity.NewResolver(storage, jar, clock, visitorLogger()), nil
}

func startTracker(ctx context.Context) (*tracker.Tracker, error) {
	clock := quartz.NewReal()
	resolver, err := openResolver(clock)
	if err != nil {
		return nil, err
	}
	t := tracker.New(httpstore.New(cfg.ServerURL), resolver,
		tracker.WithClock(clock),
		tracker.WithLogger(visitorLogger()),
		tracker.WithPolicy(policyFrom(cfg)),
	)
	t.Init(ctx)
	return t, nil
}

func printStats(w io.Writer, s tracker.Stats) error {
	data, err := jsonpkg.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
