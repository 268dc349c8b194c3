package config

import (
	"os"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // no packrat.yaml in sight

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir == "" {
		t.Error("expected a default data dir")
	}
	if cfg.DashboardPort != 7717 {
		t.Errorf("dashboard port = %d", cfg.DashboardPort)
	}
	if cfg.SyncInterval != time.Minute {
		t.Errorf("sync interval = %v", cfg.SyncInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PACKRAT_SERVER_URL", "https://inventory.example.com")
	t.Setenv("PACKRAT_WORKSPACE", "ws-42")
	t.Setenv("PACKRAT_TOKEN", "tok-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerURL != "https://inventory.example.com" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
	if cfg.Workspace != "ws-42" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	// Live URL derives from the server URL and workspace.
	if cfg.LiveURL != "wss://inventory.example.com/workspaces/ws-42/events" {
		t.Errorf("live url = %q", cfg.LiveURL)
	}
}

func TestValidateRequiresServer(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without server url")
	}
	cfg.ServerURL = "http://localhost:8080"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without workspace")
	}
}

func TestDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/packrat"}
	if got := cfg.DBPath("ws-1"); got != "/var/lib/packrat/ws-1.db" {
		t.Errorf("db path = %q", got)
	}
}

func TestDeriveLiveURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com", "wss://api.example.com/workspaces/ws-1/events"},
		{"http://localhost:8080/", "ws://localhost:8080/workspaces/ws-1/events"},
	}
	for _, tt := range tests {
		if got := deriveLiveURL(tt.in, "ws-1"); got != tt.want {
			t.Errorf("deriveLiveURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
