// Package config holds the bridge configuration: where to find
// rust-analyzer, request and synchronization timing, the bounds of the
// diagnostics discovery sweep, and the optional file watcher. Values come
// from defaults overridden by an optional TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Server configures the rust-analyzer process and request timing.
type Server struct {
	// Command is the executable to run. Empty means "rust-analyzer"
	// resolved via PATH or ~/.cargo/bin.
	Command string `toml:"command"`

	// Args are extra command-line arguments.
	Args []string `toml:"args"`

	// RequestTimeoutSecs bounds how long a caller waits for a response.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
}

// Sync configures document synchronization.
type Sync struct {
	// DelayMillis is the pause after notifying the server of new
	// content, giving analysis a head start.
	DelayMillis int `toml:"delay_millis"`
}

// Discovery bounds the workspace file sweep used as the last-resort
// diagnostics fallback.
type Discovery struct {
	MaxFiles int      `toml:"max_files"`
	SkipDirs []string `toml:"skip_dirs"`
	Globs    []string `toml:"globs"`
}

// Watcher configures the optional on-disk change watcher.
type Watcher struct {
	Enabled        bool `toml:"enabled"`
	DebounceMillis int  `toml:"debounce_millis"`
}

// Config is the full bridge configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Sync      Sync      `toml:"sync"`
	Discovery Discovery `toml:"discovery"`
	Watcher   Watcher   `toml:"watcher"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Command:            "rust-analyzer",
			RequestTimeoutSecs: 30,
		},
		Sync: Sync{
			DelayMillis: 300,
		},
		Discovery: Discovery{
			MaxFiles: 128,
			SkipDirs: []string{".git", "target", "node_modules", ".idea", ".vscode"},
			Globs:    []string{"**/*.rs"},
		},
		Watcher: Watcher{
			Enabled:        false,
			DebounceMillis: 250,
		},
	}
}

// Load returns the defaults overridden by the TOML file at path. An empty
// path or a missing file yields the defaults; a malformed file is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values that cannot work.
func (c Config) Validate() error {
	if c.Server.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("server.request_timeout_secs must be positive, got %d", c.Server.RequestTimeoutSecs)
	}
	if c.Sync.DelayMillis < 0 {
		return fmt.Errorf("sync.delay_millis must not be negative, got %d", c.Sync.DelayMillis)
	}
	if c.Discovery.MaxFiles <= 0 {
		return fmt.Errorf("discovery.max_files must be positive, got %d", c.Discovery.MaxFiles)
	}
	if c.Watcher.DebounceMillis < 0 {
		return fmt.Errorf("watcher.debounce_millis must not be negative, got %d", c.Watcher.DebounceMillis)
	}
	return nil
}

// RequestTimeout returns the request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// SyncDelay returns the post-sync pause as a duration.
func (c Config) SyncDelay() time.Duration {
	return time.Duration(c.Sync.DelayMillis) * time.Millisecond
}

// WatchDebounce returns the watcher debounce as a duration.
func (c Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watcher.DebounceMillis) * time.Millisecond
}
