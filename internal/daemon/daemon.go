// Package daemon runs the long-lived sync process for one workspace.
//
// The daemon:
// 1. Drains the mutation queue and pulls server state on a periodic tick
// 2. Keeps the live WebSocket channel connected, pulling on reconnect
// 3. Watches the scanner inbox for mutation batch files
// 4. Broadcasts sync status over the local dashboard server
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/packrat-app/packrat/internal/dashboard"
	"github.com/packrat-app/packrat/internal/engine"
	"github.com/packrat-app/packrat/internal/live"
	"github.com/packrat-app/packrat/internal/netmon"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a full sync pass
	SyncInterval time.Duration

	// ProbeInterval is how often to probe server reachability
	ProbeInterval time.Duration

	// InboxDir is the scanner inbox to watch for mutation batch files.
	// Empty disables the inbox watcher.
	InboxDir string

	// DashboardPort is the local status server port. Zero disables it.
	DashboardPort int

	// LiveURL is the WebSocket endpoint for the live channel. Empty
	// disables the channel.
	LiveURL string

	// Token supplies the bearer credential for the live channel dial.
	Token func() string

	// LogFile enables rotating file logging when set. Empty logs to
	// stderr.
	LogFile string

	// Logger for daemon activity. Overrides LogFile when set.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  time.Minute,
		ProbeInterval: netmon.DefaultInterval,
		Logger:        nil,
	}
}

// Daemon orchestrates the sync engine, live channel, network monitor,
// inbox watcher, and dashboard for one workspace.
type Daemon struct {
	engine  *engine.Engine
	config  *Config
	logger  *log.Logger
	monitor *netmon.Monitor
	channel *live.Channel
	inbox   *Inbox
	dash    *dashboard.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Daemon around an engine. Use Start to begin syncing.
func New(eng *engine.Engine, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}

	logger := config.Logger
	if logger == nil {
		if config.LogFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}, "[daemon] ", log.LstdFlags)
		} else {
			logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		engine: eng,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	return d, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or startup fails. Shutdown tears
// down the dashboard, channel, watcher and monitor in reverse order.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Printf("Starting daemon for workspace %s", d.engine.WorkspaceID())

	if d.config.DashboardPort > 0 {
		d.dash = dashboard.NewServer(&dashboard.Config{
			Port:   d.config.DashboardPort,
			Logger: d.logger,
		})
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	d.monitor = netmon.New(d.probe, &netmon.Options{
		Interval: d.config.ProbeInterval,
		Logger:   d.logger,
		OnOnline: func(ctx context.Context) {
			d.broadcastConnectivity(true)
			d.runSync(ctx, "connectivity restored")
		},
		OnOffline: func() {
			d.broadcastConnectivity(false)
		},
	})
	d.monitor.Start()

	if d.config.LiveURL != "" {
		d.channel = live.NewChannel(d.config.LiveURL, d.engine.WorkspaceID(), &live.Options{
			Token:  d.config.Token,
			Logger: d.logger,
			OnConnect: func(ctx context.Context) {
				// The channel only covers events since connect; a pull
				// closes the gap.
				if _, err := d.engine.PullAll(ctx); err != nil {
					d.logger.Printf("Warning: reconnect pull failed: %v", err)
				}
			},
		})
		d.channel.RegisterStoreHandlers(d.engine.Store())
		d.channel.Start()
	}

	if d.config.InboxDir != "" {
		inbox, err := NewInbox(d.engine, d.config.InboxDir, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create inbox watcher: %w", err)
		}
		d.inbox = inbox
		if err := d.inbox.Start(); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		d.logger.Printf("Watching inbox: %s", d.config.InboxDir)
	}

	// Initial sync, then periodic passes.
	d.runSync(d.ctx, "startup")

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("Shutdown signal received")
			return d.Stop()
		case <-d.ctx.Done():
			return nil
		case <-ticker.C:
			d.runSync(d.ctx, "periodic")
		}
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	d.cancel()

	if d.inbox != nil {
		if err := d.inbox.Stop(); err != nil {
			d.logger.Printf("Error stopping inbox watcher: %v", err)
		}
	}
	if d.channel != nil {
		d.channel.Stop()
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.logger.Println("Daemon stopped")
	return nil
}

// SyncNow runs a sync pass outside the periodic cadence.
func (d *Daemon) SyncNow(ctx context.Context) (engine.Result, error) {
	return d.engine.FullSync(ctx)
}

// runSync executes one full sync pass and broadcasts the outcome.
func (d *Daemon) runSync(ctx context.Context, reason string) {
	if d.monitor != nil && !d.monitor.Online() {
		d.logger.Printf("Skipping sync (%s): offline", reason)
		return
	}

	start := time.Now()
	result, err := d.engine.FullSync(ctx)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Printf("Sync (%s) finished with errors in %s: pushed=%d pulled=%d failed=%d: %v",
			reason, elapsed.Round(time.Millisecond), result.Pushed, result.Pulled, result.Failed, err)
	} else {
		d.logger.Printf("Sync (%s) complete in %s: pushed=%d pulled=%d failed=%d",
			reason, elapsed.Round(time.Millisecond), result.Pushed, result.Pulled, result.Failed)
	}

	if d.dash != nil {
		data := dashboard.SyncResultData{
			Pushed:   result.Pushed,
			Pulled:   result.Pulled,
			Failed:   result.Failed,
			Duration: elapsed,
		}
		if err != nil {
			data.Error = err.Error()
		}
		d.dash.BroadcastSyncResult(d.engine.WorkspaceID(), data)
		d.broadcastQueue(ctx)
	}
}

// probe checks server reachability through the engine's API client.
func (d *Daemon) probe(ctx context.Context) error {
	if d.engine == nil {
		return errors.New("no engine")
	}
	return d.engine.Ping(ctx)
}

func (d *Daemon) broadcastConnectivity(online bool) {
	if d.dash != nil {
		d.dash.BroadcastConnectivity(online)
	}
}

func (d *Daemon) broadcastQueue(ctx context.Context) {
	pending, err := d.engine.PendingCount(ctx)
	if err != nil {
		return
	}
	failed, err := d.engine.FailedCount(ctx)
	if err != nil {
		return
	}
	d.dash.BroadcastQueue(d.engine.WorkspaceID(), dashboard.QueueData{
		Pending: pending,
		Failed:  failed,
	})
}
