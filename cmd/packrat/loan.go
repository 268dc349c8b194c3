package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var loanCmd = &cobra.Command{
	Use:     "loan",
	GroupID: "inventory",
	Short:   "Track items loaned out to people",
}

var (
	loanBorrower string
	loanDue      string
	loanNotes    string
)

var loanAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Record a loan",
	Long: `Record an item being lent out.

The --due flag accepts natural language:
  packrat loan add itm-42 --to brw-7 --due "next friday"
  packrat loan add itm-42 --to brw-7 --due "in two weeks"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		loan := inventory.Loan{
			ItemID:     args[0],
			BorrowerID: loanBorrower,
			Notes:      loanNotes,
			LoanedAt:   time.Now().UTC(),
		}

		if loanDue != "" {
			due, err := parseDue(loanDue)
			if err != nil {
				fatal("%v", err)
			}
			loan.DueAt = &due
		}

		if err := loan.Validate(); err != nil {
			fatal("%v", err)
		}

		payload, err := json.Marshal(loan)
		if err != nil {
			fatal("%v", err)
		}

		entry, err := eng.EnqueueMutation(context.Background(), inventory.OpCreate, inventory.TypeLoans, "", payload)
		if err != nil {
			fatal("failed to queue loan: %v", err)
		}

		fmt.Printf("%s Queued loan of %s to %s (entry #%d)", ui.RenderPass("✓"), args[0], loanBorrower, entry.ID)
		if loan.DueAt != nil {
			fmt.Printf(", due %s", loan.DueAt.Local().Format("Mon Jan 2"))
		}
		fmt.Println()
	},
}

var loanReturnCmd = &cobra.Command{
	Use:   "return <loan-id>",
	Short: "Mark a loan as returned",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		patch := map[string]any{"returnedAt": time.Now().UTC()}
		payload, err := json.Marshal(patch)
		if err != nil {
			fatal("%v", err)
		}

		entry, err := eng.EnqueueMutation(context.Background(), inventory.OpUpdate, inventory.TypeLoans, args[0], payload)
		if err != nil {
			fatal("failed to queue return: %v", err)
		}
		fmt.Printf("%s Queued return of loan %s (entry #%d)\n", ui.RenderPass("✓"), args[0], entry.ID)
	},
}

var loanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open loans",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		records, err := eng.Read(context.Background(), inventory.TypeLoans)
		if err != nil {
			fatal("%v", err)
		}

		open := 0
		now := time.Now()
		for _, rec := range records {
			var loan inventory.Loan
			if err := json.Unmarshal(rec.Data, &loan); err != nil {
				continue
			}
			if loan.Returned() {
				continue
			}
			open++

			line := fmt.Sprintf("  %s → %s  %s", loan.ItemID, loan.BorrowerID, ui.RenderDim(rec.ID))
			if loan.DueAt != nil {
				if loan.DueAt.Before(now) {
					line += "  " + ui.RenderFail("overdue "+loan.DueAt.Local().Format("Jan 2"))
				} else {
					line += "  " + ui.RenderDim("due "+loan.DueAt.Local().Format("Jan 2"))
				}
			}
			fmt.Println(line)
		}

		if open == 0 {
			fmt.Println("No open loans.")
		}
	},
}

// parseDue parses a natural-language due date.
func parseDue(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", text)
	}
	return result.Time.UTC(), nil
}

func init() {
	loanAddCmd.Flags().StringVar(&loanBorrower, "to", "", "borrower id")
	loanAddCmd.Flags().StringVar(&loanDue, "due", "", "due date (natural language)")
	loanAddCmd.Flags().StringVar(&loanNotes, "notes", "", "loan notes")
	loanAddCmd.MarkFlagRequired("to")

	loanCmd.AddCommand(loanAddCmd, loanReturnCmd, loanListCmd)
	rootCmd.AddCommand(loanCmd)
}
