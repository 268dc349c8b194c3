package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/ui"
	"github.com/spf13/cobra"
)

var itemCmd = &cobra.Command{
	Use:     "item",
	GroupID: "inventory",
	Short:   "Manage inventory items",
}

var (
	itemName        string
	itemDescription string
	itemBarcode     string
	itemLocation    string
	itemContainer   string
	itemQuantity    int
	itemTags        []string
)

var itemAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an item (queued locally, synced when online)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		item := inventory.Item{
			Name:        itemName,
			Description: itemDescription,
			Barcode:     itemBarcode,
			LocationID:  itemLocation,
			ContainerID: itemContainer,
			Quantity:    itemQuantity,
			Tags:        itemTags,
		}
		if err := item.Validate(); err != nil {
			fatal("%v", err)
		}

		payload, err := json.Marshal(item)
		if err != nil {
			fatal("%v", err)
		}

		entry, err := eng.EnqueueMutation(context.Background(), inventory.OpCreate, inventory.TypeItems, "", payload)
		if err != nil {
			fatal("failed to queue item: %v", err)
		}
		fmt.Printf("%s Queued item %q (entry #%d)\n", ui.RenderPass("✓"), item.Name, entry.ID)
	},
}

var itemUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update an item's fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		patch := map[string]any{}
		if cmd.Flags().Changed("name") {
			patch["name"] = itemName
		}
		if cmd.Flags().Changed("description") {
			patch["description"] = itemDescription
		}
		if cmd.Flags().Changed("barcode") {
			patch["barcode"] = itemBarcode
		}
		if cmd.Flags().Changed("location") {
			patch["locationId"] = itemLocation
		}
		if cmd.Flags().Changed("container") {
			patch["containerId"] = itemContainer
		}
		if cmd.Flags().Changed("quantity") {
			patch["quantity"] = itemQuantity
		}
		if cmd.Flags().Changed("tags") {
			patch["tags"] = itemTags
		}
		if len(patch) == 0 {
			fatal("nothing to update (pass at least one field flag)")
		}

		payload, err := json.Marshal(patch)
		if err != nil {
			fatal("%v", err)
		}

		entry, err := eng.EnqueueMutation(context.Background(), inventory.OpUpdate, inventory.TypeItems, args[0], payload)
		if err != nil {
			fatal("failed to queue update: %v", err)
		}
		fmt.Printf("%s Queued update for %s (entry #%d)\n", ui.RenderPass("✓"), args[0], entry.ID)
	},
}

var itemDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		entry, err := eng.EnqueueMutation(context.Background(), inventory.OpDelete, inventory.TypeItems, args[0], nil)
		if err != nil {
			fatal("failed to queue delete: %v", err)
		}
		fmt.Printf("%s Queued delete of %s (entry #%d)\n", ui.RenderPass("✓"), args[0], entry.ID)
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached items",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)

		records, err := eng.Read(context.Background(), inventory.TypeItems)
		if err != nil {
			fatal("%v", err)
		}

		if len(records) == 0 {
			fmt.Println("No items cached. Run 'packrat sync' to pull from the server.")
			return
		}

		for _, rec := range records {
			var item inventory.Item
			if err := json.Unmarshal(rec.Data, &item); err != nil {
				continue
			}
			line := fmt.Sprintf("  %-40s %s", item.Name, ui.RenderDim(rec.ID))
			if item.Quantity > 1 {
				line += fmt.Sprintf("  x%d", item.Quantity)
			}
			fmt.Println(line)
		}
		if eng.Stale(inventory.TypeItems) {
			fmt.Printf("\n%s Showing cached data; refresh in progress\n", ui.RenderDim("…"))
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{itemAddCmd, itemUpdateCmd} {
		c.Flags().StringVar(&itemName, "name", "", "item name")
		c.Flags().StringVar(&itemDescription, "description", "", "item description")
		c.Flags().StringVar(&itemBarcode, "barcode", "", "barcode")
		c.Flags().StringVar(&itemLocation, "location", "", "location id")
		c.Flags().StringVar(&itemContainer, "container", "", "container id")
		c.Flags().IntVar(&itemQuantity, "quantity", 1, "quantity")
		c.Flags().StringSliceVar(&itemTags, "tags", nil, "comma-separated tags")
	}
	itemAddCmd.MarkFlagRequired("name")

	itemCmd.AddCommand(itemAddCmd, itemUpdateCmd, itemDeleteCmd, itemListCmd)
	rootCmd.AddCommand(itemCmd)
}
