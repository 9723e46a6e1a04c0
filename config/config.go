// Package config manages boxchan's on-disk configuration.
//
// The configuration lives in config.json under the paths-resolved config
// directory. It covers three concerns: how the sandbox instance is launched
// and shut down, how the relay tunnel reaches the proxy instance, and how
// rate-limited search engines are paced. Search engine definitions
// themselves live in a separate YAML catalog (see the search package).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mthorpe/boxchan/paths"
)

// Defaults applied when a field is unset in config.json.
const (
	DefaultLaunchGraceSec    = 30
	DefaultShutdownGraceSec  = 5
	DefaultCommandTimeoutSec = 60
	DefaultSearchSpacingMS   = 3000
	DefaultSearchBackoffMS   = 2000
	DefaultTunnelLocalPort   = 8118
)

// InstanceConfig describes how the ephemeral sandbox instance is launched
// and how its console session is brought down.
type InstanceConfig struct {
	// LaunchCommand is the host command that opens an interactive console
	// to the sandbox (e.g. "incus" with args ["exec", "websandbox", "--", "sh"]).
	LaunchCommand string   `json:"launch_command"`
	LaunchArgs    []string `json:"launch_args,omitempty"`

	// ShutdownCommand is sent over the channel on Stop (e.g. "sudo poweroff").
	ShutdownCommand string `json:"shutdown_command,omitempty"`

	LaunchGraceSec    int `json:"launch_grace_sec,omitempty"`    // readiness handshake deadline
	ShutdownGraceSec  int `json:"shutdown_grace_sec,omitempty"`  // wait after shutdown command before force-terminate
	CommandTimeoutSec int `json:"command_timeout_sec,omitempty"` // default per-command timeout
}

// TunnelConfig describes the relay from a local port to the proxy instance.
type TunnelConfig struct {
	LocalPort  int    `json:"local_port,omitempty"`
	RemoteHost string `json:"remote_host,omitempty"`
	RemotePort int    `json:"remote_port,omitempty"`

	// RelayCommand overrides the relay binary (default "ssh"). RelayArgs
	// overrides the full argument list; when empty a standard
	// "-N -L <local>:127.0.0.1:<remote> <host>" forward is built.
	RelayCommand string   `json:"relay_command,omitempty"`
	RelayArgs    []string `json:"relay_args,omitempty"`
}

// SearchConfig holds pacing and retry settings for rate-limited engines.
type SearchConfig struct {
	MinSpacingMS   int    `json:"min_spacing_ms,omitempty"`
	RetryBackoffMS int    `json:"retry_backoff_ms,omitempty"`
	DefaultEngine  string `json:"default_engine,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Instance InstanceConfig `json:"instance"`
	Tunnel   TunnelConfig   `json:"tunnel,omitempty"`
	Search   SearchConfig   `json:"search,omitempty"`
	Debug    bool           `json:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by tests and the
// --config flag.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p := c.Tunnel.LocalPort; p < 0 || p > 65535 {
		return fmt.Errorf("tunnel local_port out of range: %d", p)
	}
	if p := c.Tunnel.RemotePort; p < 0 || p > 65535 {
		return fmt.Errorf("tunnel remote_port out of range: %d", p)
	}
	if c.Search.MinSpacingMS < 0 {
		return fmt.Errorf("search min_spacing_ms must not be negative: %d", c.Search.MinSpacingMS)
	}
	if c.Search.RetryBackoffMS < 0 {
		return fmt.Errorf("search retry_backoff_ms must not be negative: %d", c.Search.RetryBackoffMS)
	}
	if c.Instance.LaunchGraceSec < 0 || c.Instance.ShutdownGraceSec < 0 || c.Instance.CommandTimeoutSec < 0 {
		return fmt.Errorf("instance grace/timeout values must not be negative")
	}
	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		path, err := paths.ConfigFilePath()
		if err != nil {
			return err
		}
		c.filePath = path
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0600)
}

// LaunchGrace returns the readiness handshake deadline as a duration.
func (c *Config) LaunchGrace() time.Duration {
	return secOrDefault(c.Instance.LaunchGraceSec, DefaultLaunchGraceSec)
}

// ShutdownGrace returns the post-shutdown-command grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return secOrDefault(c.Instance.ShutdownGraceSec, DefaultShutdownGraceSec)
}

// CommandTimeout returns the default per-command timeout.
func (c *Config) CommandTimeout() time.Duration {
	return secOrDefault(c.Instance.CommandTimeoutSec, DefaultCommandTimeoutSec)
}

// SearchSpacing returns the minimum spacing between queries to one engine.
func (c *Config) SearchSpacing() time.Duration {
	return msOrDefault(c.Search.MinSpacingMS, DefaultSearchSpacingMS)
}

// SearchBackoff returns the delay before the single automatic retry.
func (c *Config) SearchBackoff() time.Duration {
	return msOrDefault(c.Search.RetryBackoffMS, DefaultSearchBackoffMS)
}

// TunnelLocalPort returns the configured local relay port.
func (c *Config) TunnelLocalPort() int {
	if c.Tunnel.LocalPort == 0 {
		return DefaultTunnelLocalPort
	}
	return c.Tunnel.LocalPort
}

func secOrDefault(v, def int) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func msOrDefault(v, def int) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
