package main

import (
	"context"
	"fmt"
	"time"

	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued mutations and pull server state",
	Long: `Run a full sync pass:
  1. Pushes pending mutations to the server, oldest first
  2. Pulls authoritative records for every entity type
  3. Rebuilds the offline search indices`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			fatal("%v", err)
		}
		eng := openEngine(cfg)

		fmt.Printf("%s Syncing workspace %s...\n", ui.RenderAccent("🔄"), cfg.Workspace)
		start := time.Now()

		result, err := eng.FullSync(context.Background())
		elapsed := time.Since(start)

		fmt.Printf("  Pushed: %d\n", result.Pushed)
		fmt.Printf("  Pulled: %d\n", result.Pulled)
		if result.Failed > 0 {
			fmt.Printf("  %s Failed: %d (run 'packrat queue list' to inspect)\n", ui.RenderWarn("⚠"), result.Failed)
		}

		if err != nil {
			fatal("sync finished with errors: %v", err)
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
