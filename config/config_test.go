package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if got := cfg.LaunchGrace(); got != 30*time.Second {
		t.Errorf("LaunchGrace = %v, want 30s", got)
	}
	if got := cfg.ShutdownGrace(); got != 5*time.Second {
		t.Errorf("ShutdownGrace = %v, want 5s", got)
	}
	if got := cfg.CommandTimeout(); got != 60*time.Second {
		t.Errorf("CommandTimeout = %v, want 60s", got)
	}
	if got := cfg.SearchSpacing(); got != 3*time.Second {
		t.Errorf("SearchSpacing = %v, want 3s", got)
	}
	if got := cfg.SearchBackoff(); got != 2*time.Second {
		t.Errorf("SearchBackoff = %v, want 2s", got)
	}
	if got := cfg.TunnelLocalPort(); got != 8118 {
		t.Errorf("TunnelLocalPort = %d, want 8118", got)
	}
}

func TestLoadFromParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "instance": {
    "launch_command": "incus",
    "launch_args": ["exec", "websandbox", "--", "sh"],
    "shutdown_command": "sudo poweroff",
    "command_timeout_sec": 90
  },
  "tunnel": {
    "local_port": 9000,
    "remote_host": "proxybox",
    "remote_port": 8118
  },
  "search": {
    "min_spacing_ms": 5000,
    "default_engine": "ddg-lite"
  },
  "debug": true
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Instance.LaunchCommand != "incus" {
		t.Errorf("LaunchCommand = %q", cfg.Instance.LaunchCommand)
	}
	if len(cfg.Instance.LaunchArgs) != 4 || cfg.Instance.LaunchArgs[3] != "sh" {
		t.Errorf("LaunchArgs = %v", cfg.Instance.LaunchArgs)
	}
	if cfg.Instance.ShutdownCommand != "sudo poweroff" {
		t.Errorf("ShutdownCommand = %q", cfg.Instance.ShutdownCommand)
	}
	if got := cfg.CommandTimeout(); got != 90*time.Second {
		t.Errorf("CommandTimeout = %v, want 90s", got)
	}
	if got := cfg.TunnelLocalPort(); got != 9000 {
		t.Errorf("TunnelLocalPort = %d, want 9000", got)
	}
	if got := cfg.SearchSpacing(); got != 5*time.Second {
		t.Errorf("SearchSpacing = %v, want 5s", got)
	}
	if cfg.Search.DefaultEngine != "ddg-lite" {
		t.Errorf("DefaultEngine = %q", cfg.Search.DefaultEngine)
	}
	if !cfg.Debug {
		t.Error("Debug not parsed")
	}
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed json", `{not json`},
		{"port out of range", `{"tunnel": {"local_port": 70000}}`},
		{"negative spacing", `{"search": {"min_spacing_ms": -1}}`},
		{"negative grace", `{"instance": {"launch_grace_sec": -5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFrom(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	cfg.Instance.LaunchCommand = "ssh"
	cfg.Instance.LaunchArgs = []string{"sandbox"}
	cfg.Tunnel.RemoteHost = "proxybox"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Instance.LaunchCommand != "ssh" {
		t.Errorf("LaunchCommand = %q after round trip", loaded.Instance.LaunchCommand)
	}
	if loaded.Tunnel.RemoteHost != "proxybox" {
		t.Errorf("RemoteHost = %q after round trip", loaded.Tunnel.RemoteHost)
	}
}
