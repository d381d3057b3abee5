package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the cache fresh in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Walk the users list from the top and merge every page into the cache
  2. Refresh the profiles of users you have viewed
  3. Drop the in-memory avatar tier when the heap grows past the limit
  4. Watch the blob directory and forget files deleted outside ghsync

Steps 1 and 2 repeat every daemon.sync_interval. Use --once for a single
pass, e.g. from cron. Use 'ghsync dashboard' to watch the daemon live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, needNetwork|needBlobs)
		if err != nil {
			return err
		}
		defer a.close()

		d, err := daemon.New(daemonConfig(a), a.deps())
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if once {
			res, err := d.SyncPages(ctx)
			if err != nil {
				a.out.Warn("list sync stopped: %s", describe(err))
			}
			refreshed, err := d.RefreshViewed(ctx)
			if err != nil {
				a.out.Warn("profile refresh failed: %s", describe(err))
			}
			a.out.Success("synced %d pages (%d users) in %v, refreshed %d profiles",
				res.Pages, res.Users, res.Duration.Round(time.Millisecond), refreshed)
			return nil
		}

		fmt.Printf("Sync daemon running every %v (max %d pages)\n", a.cfg.Daemon.SyncInterval, a.cfg.Daemon.MaxPages)
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon failed: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func daemonConfig(a *app) *daemon.Config {
	return &daemon.Config{
		SyncInterval:        a.cfg.Daemon.SyncInterval,
		MaxPages:            a.cfg.Daemon.MaxPages,
		RefreshLimit:        a.cfg.Daemon.RefreshLimit,
		MemoryCheckInterval: a.cfg.Daemon.MemoryCheckInterval,
		MemoryLimitBytes:    a.cfg.Daemon.MemoryLimitBytes,
		PageSize:            a.cfg.PageSize,
		Logger:              a.logger("daemon"),
	}
}

func init() {
	daemonCmd.Flags().Bool("once", false, "Run one sync pass and exit")
	rootCmd.AddCommand(daemonCmd)
}
