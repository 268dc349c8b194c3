package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and failed mutations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		ctx := context.Background()

		pending, err := eng.PendingCount(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Pending: %d\n", pending)

		failed, err := eng.Queue().ListFailed(ctx, cfg.Workspace)
		if err != nil {
			fatal("%v", err)
		}
		if len(failed) == 0 {
			return
		}

		fmt.Printf("\n%s Failed mutations:\n", ui.RenderFail("✗"))
		for _, entry := range failed {
			fmt.Printf("  #%d  %s %s", entry.ID, entry.Operation, entry.EntityType)
			if entry.EntityID != "" {
				fmt.Printf(" %s", ui.RenderDim(entry.EntityID))
			}
			fmt.Printf("  (%d attempts)\n", entry.RetryCount)
			if entry.LastError != "" {
				fmt.Printf("      %s\n", ui.RenderDim(entry.LastError))
			}
		}
		fmt.Printf("\nRetry with 'packrat queue retry <id>' or drop with 'packrat queue discard <id>'\n")
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed mutation for another push attempt",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("invalid entry id %q", args[0])
		}
		if err := eng.Queue().Requeue(context.Background(), id); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Entry %d requeued\n", ui.RenderPass("✓"), id)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a failed mutation and roll back its local change",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("invalid entry id %q", args[0])
		}
		if err := eng.DiscardFailed(context.Background(), id); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Entry %d discarded\n", ui.RenderPass("✓"), id)
	},
}

var queueDiscardFailedCmd = &cobra.Command{
	Use:   "discard-failed",
	Short: "Drop all failed mutations and roll back their local changes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		n, err := eng.DiscardAllFailed(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		if n == 0 {
			fmt.Println("No failed mutations to discard")
			return
		}
		fmt.Printf("%s Discarded %d failed mutation(s)\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDiscardCmd, queueDiscardFailedCmd)
	rootCmd.AddCommand(queueCmd)
}
