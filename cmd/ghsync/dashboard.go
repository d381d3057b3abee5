package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/daemon"
	"github.com/steveyegge/ghsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the sync daemon with a live WebSocket dashboard",
	Long: `Start the sync daemon together with a WebSocket dashboard server.

The dashboard broadcasts daemon activity to connected clients.

WebSocket messages include:
- page_synced: A users page was refreshed
- user_refreshed: A viewed user's profile was refreshed
- sync_complete: A list walk finished
- blobs_evicted: The in-memory avatar tier was dropped
- stats: Cache and network lane statistics

Example usage:
  ghsync dashboard                   # Start on the configured port (8080)
  ghsync dashboard --port 9000       # Start on a custom port
  ghsync dashboard --no-sync         # Serve stats without running the daemon

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noSync, _ := cmd.Flags().GetBool("no-sync")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, needNetwork|needBlobs)
		if err != nil {
			return err
		}
		defer a.close()

		server := dashboard.NewServer(&dashboard.Config{
			Host:   a.cfg.Dashboard.Host,
			Port:   a.cfg.Dashboard.Port,
			Logger: a.logger("dashboard"),
		})
		handler, err := dashboard.NewHandler(server, a.store, a.blobs, a.executor, a.logger("dashboard"))
		if err != nil {
			return err
		}

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		addr := server.Addr()
		fmt.Printf("Dashboard server started on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Stats: http://%s/stats\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		if noSync {
			<-ctx.Done()
		} else {
			d, err := daemon.New(daemonConfig(a), a.deps())
			if err != nil {
				_ = server.Stop()
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			d.SetNotifier(handler)
			if err := d.Start(ctx); err != nil {
				a.out.Error("daemon failed: %v", err)
			}
		}

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	_ = v.BindPFlag("dashboard.port", dashboardCmd.Flags().Lookup("port"))
	dashboardCmd.Flags().Bool("no-sync", false, "Serve the dashboard without running the daemon")
	rootCmd.AddCommand(dashboardCmd)
}
