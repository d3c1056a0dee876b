// Package config loads the farmsync TOML configuration and applies the
// override chain: defaults, then the config file, then environment
// variables, then CLI flags.
package config

import (
	"path/filepath"
	"time"
)

// Config is the full configuration file. Each field maps to one TOML table.
type Config struct {
	Remote  RemoteConfig  `toml:"remote" json:"remote"`
	Sync    SyncConfig    `toml:"sync" json:"sync"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	API     APIConfig     `toml:"api" json:"api"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Network NetworkConfig `toml:"network" json:"network"`
}

// RemoteConfig describes the hosted backend. An empty URL runs the engine
// without a backend: operations queue locally and are never drained.
type RemoteConfig struct {
	URL               string  `toml:"url" json:"url"`
	APIKey            string  `toml:"api_key" json:"api_key"`
	TokenFile         string  `toml:"token_file" json:"token_file"`
	RealtimeURL       string  `toml:"realtime_url" json:"realtime_url"`
	IDColumn          string  `toml:"id_column" json:"id_column"`
	VersionField      string  `toml:"version_field" json:"version_field"`
	IdempotencyField  string  `toml:"idempotency_field" json:"idempotency_field"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	MaxHTTPRetries    int     `toml:"max_http_retries" json:"max_http_retries"`
}

// SyncConfig controls the engine's drain loop and connectivity detection.
type SyncConfig struct {
	PollInterval      string `toml:"poll_interval" json:"poll_interval"`
	MaxRetries        int    `toml:"max_retries" json:"max_retries"`
	RetryBaseDelay    string `toml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay     string `toml:"retry_max_delay" json:"retry_max_delay"`
	QueueKey          string `toml:"queue_key" json:"queue_key"`
	Connectivity      string `toml:"connectivity" json:"connectivity"`
	HeartbeatInterval string `toml:"heartbeat_interval" json:"heartbeat_interval"`
	ShutdownTimeout   string `toml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig locates the local state.
type StorageConfig struct {
	DataDir   string `toml:"data_dir" json:"data_dir"`
	StateFile string `toml:"state_file" json:"state_file"`
}

// APIConfig controls the local HTTP API served by the daemon.
type APIConfig struct {
	Enabled      bool     `toml:"enabled" json:"enabled"`
	Listen       string   `toml:"listen" json:"listen"`
	AllowOrigins []string `toml:"allow_origins" json:"allow_origins"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFile   string `toml:"log_file" json:"log_file"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout" json:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout" json:"data_timeout"`
	UserAgent      string `toml:"user_agent" json:"user_agent"`
}

// Durations holds the parsed duration settings. Only valid after Validate.
type Durations struct {
	PollInterval      time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	ConnectTimeout    time.Duration
	DataTimeout       time.Duration
}

// Durations parses every duration setting. Unparseable values yield zero,
// which Validate reports before callers get here.
func (c *Config) Durations() Durations {
	return Durations{
		PollInterval:      mustDuration(c.Sync.PollInterval),
		RetryBaseDelay:    mustDuration(c.Sync.RetryBaseDelay),
		RetryMaxDelay:     mustDuration(c.Sync.RetryMaxDelay),
		HeartbeatInterval: mustDuration(c.Sync.HeartbeatInterval),
		ShutdownTimeout:   mustDuration(c.Sync.ShutdownTimeout),
		ConnectTimeout:    mustDuration(c.Network.ConnectTimeout),
		DataTimeout:       mustDuration(c.Network.DataTimeout),
	}
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// StatePath returns the SQLite state database path.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.Storage.StateFile) {
		return c.Storage.StateFile
	}

	return filepath.Join(c.Storage.DataDir, c.Storage.StateFile)
}

// InboxDir returns the directory the daemon watches for drop files.
func (c *Config) InboxDir() string {
	return filepath.Join(c.Storage.DataDir, inboxDirName)
}

// PIDPath returns the daemon PID file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Storage.DataDir, pidFileName)
}

// TokenPath returns the session token file, defaulting to one inside the
// data directory.
func (c *Config) TokenPath() string {
	if c.Remote.TokenFile != "" {
		return c.Remote.TokenFile
	}

	return filepath.Join(c.Storage.DataDir, tokenFileName)
}
