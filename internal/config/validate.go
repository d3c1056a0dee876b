package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"time"
)

// Validation range constants.
const (
	minPollInterval      = 10 * time.Second
	minRetryDelay        = time.Second
	minHeartbeat         = time.Second
	minShutdownTimeout   = time.Second
	minConnectTimeout    = time.Second
	minDataTimeout       = 5 * time.Second
	minMaxRetries        = 1
	maxMaxRetries        = 100
	maxHTTPRetriesLimit  = 10
	maxRequestsPerSecond = 1000
)

var (
	validConnectivity = []string{ConnectivityWebSocket, ConnectivityProbe, ConnectivityAlways}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.URL != "" {
		if err := checkURL(r.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("remote.url: %w", err))
		}
	}

	if r.RealtimeURL != "" {
		if err := checkURL(r.RealtimeURL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("remote.realtime_url: %w", err))
		}
	}

	if r.IDColumn == "" {
		errs = append(errs, errors.New("remote.id_column: must not be empty"))
	}

	if r.RequestsPerSecond < 0 || r.RequestsPerSecond > maxRequestsPerSecond {
		errs = append(errs, fmt.Errorf("remote.requests_per_second: must be between 0 and %d, got %g",
			maxRequestsPerSecond, r.RequestsPerSecond))
	}

	if r.MaxHTTPRetries < 0 || r.MaxHTTPRetries > maxHTTPRetriesLimit {
		errs = append(errs, fmt.Errorf("remote.max_http_retries: must be between 0 and %d, got %d",
			maxHTTPRetriesLimit, r.MaxHTTPRetries))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("sync.poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDuration("sync.retry_base_delay", s.RetryBaseDelay, minRetryDelay)...)
	errs = append(errs, validateDuration("sync.retry_max_delay", s.RetryMaxDelay, minRetryDelay)...)
	errs = append(errs, validateDuration("sync.heartbeat_interval", s.HeartbeatInterval, minHeartbeat)...)
	errs = append(errs, validateDuration("sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	if base, ceiling := mustDuration(s.RetryBaseDelay), mustDuration(s.RetryMaxDelay); base > 0 && ceiling > 0 && base > ceiling {
		errs = append(errs, fmt.Errorf("sync.retry_max_delay: must be at least retry_base_delay (%s), got %s",
			s.RetryBaseDelay, s.RetryMaxDelay))
	}

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	if s.QueueKey == "" {
		errs = append(errs, errors.New("sync.queue_key: must not be empty"))
	}

	if !slices.Contains(validConnectivity, s.Connectivity) {
		errs = append(errs, fmt.Errorf("sync.connectivity: must be one of %v, got %q", validConnectivity, s.Connectivity))
	}

	return errs
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if s.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: must not be empty"))
	}

	if s.StateFile == "" {
		errs = append(errs, errors.New("storage.state_file: must not be empty"))
	}

	return errs
}

func validateAPI(a *APIConfig) []error {
	if !a.Enabled {
		return nil
	}

	if _, _, err := net.SplitHostPort(a.Listen); err != nil {
		return []error{fmt.Errorf("api.listen: %w", err)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %v, got %q", validLogLevels, l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %v, got %q", validLogFormats, l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDuration(name, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", name, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", name, minimum, value)}
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}

	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	return nil
}
