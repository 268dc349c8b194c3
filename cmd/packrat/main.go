// Command packrat is the offline-first CLI for the packrat home
// inventory. All writes go through a durable local queue and sync to the
// server when connectivity allows; reads are served from the local cache.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/packrat-app/packrat/internal/api"
	"github.com/packrat-app/packrat/internal/config"
	"github.com/packrat-app/packrat/internal/engine"
	"github.com/packrat-app/packrat/internal/queue"
	"github.com/packrat-app/packrat/internal/search"
	"github.com/packrat-app/packrat/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "packrat",
	Short: "Offline-first home inventory",
	Long: `packrat tracks items, locations, containers, borrowers and loans,
and keeps working without a network connection.

Mutations are queued locally and pushed to the server when it is
reachable. Reads come from the local cache and refresh in the
background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inventory", Title: "Inventory Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig loads config, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatal("%v", err)
	}
	return cfg
}

// registry holds per-workspace engines for the life of the process.
var registry *engine.Registry

// openEngine builds the workspace's engine from config: store, queue,
// API client, and search builder.
func openEngine(cfg *config.Config) *engine.Engine {
	if cfg.Workspace == "" {
		fatal("workspace is not configured")
	}

	if registry == nil {
		registry = engine.NewRegistry(func(workspaceID string) (*engine.Engine, error) {
			st, err := store.Open(cfg.DBPath(workspaceID))
			if err != nil {
				return nil, err
			}
			if err := st.InitSchema(); err != nil {
				st.Close()
				return nil, err
			}

			q := queue.New(st.RawDB())
			client := api.NewHTTPClient(cfg.ServerURL, func() string { return cfg.Token }, nil)
			sb := search.NewBuilder(st, workspaceID, nil)

			return engine.New(workspaceID, st, q, client, sb, &engine.Options{
				Online: onlineProbe(cfg),
				Logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
			})
		})
	}

	eng, err := registry.Get(cfg.Workspace)
	if err != nil {
		fatal("%v", err)
	}
	return eng
}

// onlineProbe returns a cheap connectivity check for one-shot commands.
// Result is cached for the process lifetime; the daemon uses the real
// monitor instead.
func onlineProbe(cfg *config.Config) func() bool {
	var checked, online bool
	return func() bool {
		if checked {
			return online
		}
		checked = true
		if cfg.ServerURL == "" {
			return false
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Head(cfg.ServerURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		online = resp.StatusCode < 500
		return online
	}
}
