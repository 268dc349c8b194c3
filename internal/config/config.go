// Package config loads packrat configuration from file, environment, and
// flags, in that precedence order (flags highest).
//
// The config file is packrat.yaml, searched in the working directory and
// $HOME/.config/packrat/. Every key can also be set through the
// environment with a PACKRAT_ prefix (PACKRAT_SERVER_URL and so on).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved packrat configuration.
type Config struct {
	// ServerURL is the inventory server base URL.
	ServerURL string `mapstructure:"server_url"`

	// LiveURL is the WebSocket endpoint for the live channel. Derived
	// from ServerURL when empty.
	LiveURL string `mapstructure:"live_url"`

	// Token is the bearer credential for the server API.
	Token string `mapstructure:"token"`

	// Workspace is the active workspace id.
	Workspace string `mapstructure:"workspace"`

	// DataDir holds the per-workspace SQLite databases.
	DataDir string `mapstructure:"data_dir"`

	// InboxDir is the scanner inbox watched by the daemon. Empty
	// disables the inbox.
	InboxDir string `mapstructure:"inbox_dir"`

	// DashboardPort is the local status server port. Zero disables it.
	DashboardPort int `mapstructure:"dashboard_port"`

	// SyncInterval is the daemon's periodic sync cadence.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ProbeInterval is the connectivity probe cadence.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// LogFile enables rotating file logging for the daemon when set.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("packrat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "packrat"))
	}

	v.SetEnvPrefix("PACKRAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("dashboard_port", 7717)
	v.SetDefault("sync_interval", time.Minute)
	v.SetDefault("probe_interval", 15*time.Second)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env and defaults still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.LiveURL == "" && cfg.ServerURL != "" && cfg.Workspace != "" {
		cfg.LiveURL = deriveLiveURL(cfg.ServerURL, cfg.Workspace)
	}

	return &cfg, nil
}

// DBPath returns the SQLite path for the workspace's local cache.
func (c *Config) DBPath(workspaceID string) string {
	return filepath.Join(c.DataDir, workspaceID+".db")
}

// Validate checks that the fields needed for server sync are present.
// Offline-only commands (queue inspection, search) skip this.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is not configured (set PACKRAT_SERVER_URL or packrat.yaml)")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is not configured")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".packrat"
	}
	return filepath.Join(home, ".local", "share", "packrat")
}

// deriveLiveURL maps the HTTP base URL to the workspace's WebSocket
// event endpoint.
func deriveLiveURL(serverURL, workspaceID string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/workspaces/" + workspaceID + "/events"
}
