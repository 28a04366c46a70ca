package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/servicehero/flowd/internal/integrations"
)

// Config holds all flowd server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	BaseURL     string `json:"base_url"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	API         bool   `json:"api"`
	ExecTimeout string `json:"exec_timeout"` // Go duration string, e.g. "10m"

	// Providers are external integration packs launched as MCP subprocesses.
	Providers []integrations.ProviderConfig `json:"providers,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4700",
		DBPath:      filepath.Join(flowdDir(), "flowd.db"),
		LogLevel:    "info",
		PoolSize:    8,
		API:         true,
		ExecTimeout: "10m",
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

func settingsPath() string {
	return filepath.Join(flowdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWD_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("FLOWD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWD_API"); v != "" {
		cfg.API = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWD_EXEC_TIMEOUT"); v != "" {
		cfg.ExecTimeout = v
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// execTimeout parses the configured execution timeout, zero on bad input so
// the engine falls back to its default.
func (c Config) execTimeout() time.Duration {
	d, err := time.ParseDuration(c.ExecTimeout)
	if err != nil {
		return 0
	}
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	APIChanged      bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.API != new.API {
		d.APIChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.ExecTimeout != new.ExecTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "exec_timeout")
	}
	return d
}

func pidPath() string {
	return filepath.Join(flowdDir(), "flowd.pid")
}
