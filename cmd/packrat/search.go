package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:     "search <query>",
	GroupID: "inventory",
	Short:   "Fuzzy-search the local inventory",
	Long: `Search items, locations, containers and borrowers by fuzzy match.

The search runs entirely against the local cache, so it works offline.
Results reflect the last completed sync.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		query := strings.Join(args, " ")

		resp, err := eng.SearchBuilder().Search(context.Background(), query, searchLimit)
		if err != nil {
			fatal("search failed: %v", err)
		}

		if resp.Total == 0 {
			fmt.Printf("%s No matches for %q\n", ui.RenderDim("∅"), query)
			return
		}

		for _, entityType := range inventory.SearchableTypes() {
			matches := resp.Results[entityType]
			if len(matches) == 0 {
				continue
			}
			fmt.Printf("\n%s\n", ui.RenderAccent(titleCase(string(entityType))))
			for _, m := range matches {
				fmt.Printf("  %s  %s\n", m.Text, ui.RenderDim(m.ID))
			}
		}
		fmt.Printf("\n%d matches\n", resp.Total)
	},
}

// titleCase capitalizes the first letter of an entity type name.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "max results per entity type")
	rootCmd.AddCommand(searchCmd)
}
