package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/packrat-app/packrat/internal/daemon"
	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the long-lived sync process:
  1. Syncs on a periodic interval and whenever connectivity returns
  2. Holds the live WebSocket channel open for real-time updates
  3. Watches the scanner inbox for mutation batch files
  4. Serves sync status over a local WebSocket dashboard

Stop with Ctrl-C; shutdown is graceful.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			fatal("%v", err)
		}
		eng := openEngine(cfg)

		d, err := daemon.New(eng, &daemon.Config{
			SyncInterval:  cfg.SyncInterval,
			ProbeInterval: cfg.ProbeInterval,
			InboxDir:      cfg.InboxDir,
			DashboardPort: cfg.DashboardPort,
			LiveURL:       cfg.LiveURL,
			Token:         func() string { return cfg.Token },
			LogFile:       cfg.LogFile,
		})
		if err != nil {
			fatal("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Starting packrat daemon (workspace %s)...\n", ui.RenderAccent("🚀"), cfg.Workspace)
		if err := d.Start(ctx); err != nil {
			fatal("daemon failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
