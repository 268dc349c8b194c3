package main

import (
	"context"
	"fmt"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		ctx := context.Background()

		fmt.Printf("\n%s Packrat Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Workspace: %s\n", cfg.Workspace)

		if cfg.ServerURL != "" {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := eng.Ping(probeCtx)
			cancel()
			if err == nil {
				fmt.Printf("Server:    %s %s\n", ui.RenderPass("online"), ui.RenderDim(cfg.ServerURL))
			} else {
				fmt.Printf("Server:    %s %s\n", ui.RenderWarn("offline"), ui.RenderDim(cfg.ServerURL))
			}
		} else {
			fmt.Printf("Server:    %s\n", ui.RenderDim("not configured"))
		}

		pending, err := eng.PendingCount(ctx)
		if err != nil {
			fatal("%v", err)
		}
		failed, err := eng.FailedCount(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Queue:     %d pending", pending)
		if failed > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d failed", failed)))
		}
		fmt.Println()

		fmt.Println("\nCached records:")
		for _, entityType := range inventory.EntityTypes() {
			count, err := eng.Store().CountRecords(ctx, cfg.Workspace, entityType)
			if err != nil {
				continue
			}
			line := fmt.Sprintf("  %-11s %d", entityType, count)
			if eng.Stale(entityType) {
				line += " " + ui.RenderDim("(stale)")
			}
			if last, err := eng.Store().LastSync(ctx, cfg.Workspace, entityType); err == nil && !last.IsZero() {
				line += " " + ui.RenderDim("synced "+last.Local().Format("2006-01-02 15:04"))
			}
			fmt.Println(line)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
