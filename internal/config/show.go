package config

import (
	"fmt"
	"io"
	"strings"
)

// Redacted replaces secrets in rendered output.
const Redacted = "<redacted>"

// RenderEffective writes the resolved configuration as TOML-like annotated
// text to w. This powers "config show". The API key is redacted.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderRemoteSection(ew, &cfg.Remote)
	renderSyncSection(ew, &cfg.Sync)
	renderStorageSection(ew, &cfg.Storage)
	renderAPISection(ew, &cfg.API)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderRemoteSection(ew *errWriter, r *RemoteConfig) {
	apiKey := ""
	if r.APIKey != "" {
		apiKey = Redacted
	}

	ew.printf("[remote]\n")
	ew.printf("  url                 = %q\n", r.URL)
	ew.printf("  api_key             = %q\n", apiKey)
	ew.printf("  token_file          = %q\n", r.TokenFile)
	ew.printf("  realtime_url        = %q\n", r.RealtimeURL)
	ew.printf("  id_column           = %q\n", r.IDColumn)
	ew.printf("  version_field       = %q\n", r.VersionField)
	ew.printf("  idempotency_field   = %q\n", r.IdempotencyField)
	ew.printf("  requests_per_second = %g\n", r.RequestsPerSecond)
	ew.printf("  max_http_retries    = %d\n\n", r.MaxHTTPRetries)
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  poll_interval      = %q\n", s.PollInterval)
	ew.printf("  max_retries        = %d\n", s.MaxRetries)
	ew.printf("  retry_base_delay   = %q\n", s.RetryBaseDelay)
	ew.printf("  retry_max_delay    = %q\n", s.RetryMaxDelay)
	ew.printf("  queue_key          = %q\n", s.QueueKey)
	ew.printf("  connectivity       = %q\n", s.Connectivity)
	ew.printf("  heartbeat_interval = %q\n", s.HeartbeatInterval)
	ew.printf("  shutdown_timeout   = %q\n\n", s.ShutdownTimeout)
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("  data_dir   = %q\n", s.DataDir)
	ew.printf("  state_file = %q\n\n", s.StateFile)
}

func renderAPISection(ew *errWriter, a *APIConfig) {
	ew.printf("[api]\n")
	ew.printf("  enabled       = %t\n", a.Enabled)
	ew.printf("  listen        = %q\n", a.Listen)
	ew.printf("  allow_origins = %s\n\n", formatStringSlice(a.AllowOrigins))
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_file   = %q\n", l.LogFile)
	ew.printf("  log_format = %q\n\n", l.LogFormat)
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)
	ew.printf("  user_agent      = %q\n", n.UserAgent)
}

// formatStringSlice renders a string slice in TOML array syntax.
func formatStringSlice(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}

	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return "[" + strings.Join(quoted, ", ") + "]"
}
