package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tonimelisma/farmsync/internal/config"
	"github.com/tonimelisma/farmsync/internal/kvstore"
	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/remote"
	"github.com/tonimelisma/farmsync/internal/sync"
	"github.com/tonimelisma/farmsync/internal/tokenfile"
)

const (
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// app is the engine and everything behind it, opened from the resolved
// configuration. One process owns it at a time.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *kvstore.SQLiteStore
	queue  *queue.Queue
	engine *sync.Engine
	client *remote.Client // nil when remote.url is unset
}

// openMode selects how the state store is opened.
type openMode int

const (
	// openOwner opens the store read-write. Only valid when no daemon runs.
	openOwner openMode = iota
	// openInspect wraps the store read-only so a running daemon's state is
	// never overwritten.
	openInspect
)

// appOptions controls openApp.
type appOptions struct {
	mode openMode
	// probe pings the backend once and starts the engine online if it
	// answers. Otherwise the engine starts offline.
	probe bool
}

// openApp opens the state database at cfg.StatePath() and builds the queue,
// backend client and engine on top of it.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions, logger *slog.Logger) (*app, error) {
	db, err := kvstore.OpenSQLite(ctx, cfg.StatePath(), logger)
	if err != nil {
		return nil, err
	}

	var store kvstore.Store = db
	if opts.mode == openInspect {
		store = kvstore.ReadOnly(db)
	}

	q, err := queue.New(ctx, store, cfg.Sync.QueueKey, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		backend sync.Backend
		online  bool
	)

	client := newRemoteClient(cfg, logger)
	if client != nil {
		backend = client

		if opts.probe {
			online = probe(ctx, client, cfg.Durations().ConnectTimeout, logger)
		}
	}

	durations := cfg.Durations()

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{
		Queue:            q,
		Store:            store,
		Backend:          backend,
		Logger:           logger,
		MaxRetries:       cfg.Sync.MaxRetries,
		BaseDelay:        durations.RetryBaseDelay,
		MaxDelay:         durations.RetryMaxDelay,
		PollInterval:     durations.PollInterval,
		IDColumn:         cfg.Remote.IDColumn,
		VersionField:     cfg.Remote.VersionField,
		IdempotencyField: cfg.Remote.IdempotencyField,
		Online:           online,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: db, queue: q, engine: engine, client: client}, nil
}

// probe reports whether the backend answers within timeout.
func probe(ctx context.Context, client *remote.Client, timeout time.Duration, logger *slog.Logger) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(probeCtx); err != nil {
		logger.Info("backend unreachable", slog.String("error", err.Error()))
		return false
	}

	return true
}

// Close releases the state database.
func (a *app) Close() error {
	return a.store.Close()
}

// newRemoteClient builds the backend client, or returns nil when no remote
// URL is configured. A session token file, when present, supplies bearer
// tokens; otherwise the API key is sent as the bearer.
func newRemoteClient(cfg *config.Config, logger *slog.Logger) *remote.Client {
	if cfg.Remote.URL == "" {
		return nil
	}

	var tokens remote.TokenSource

	tokenPath := cfg.TokenPath()
	if _, err := os.Stat(tokenPath); err == nil {
		tokens = remote.OAuth2(tokenfile.Cached(tokenPath), logger)
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("cannot stat session token file, using api key",
			slog.String("path", tokenPath),
			slog.String("error", err.Error()),
		)
	}

	userAgent := cfg.Network.UserAgent
	if userAgent == "" {
		userAgent = "farmsync/" + version
	}

	retries := cfg.Remote.MaxHTTPRetries
	if retries == 0 {
		retries = -1 // zero in config means no HTTP-level retries
	}

	return remote.NewClient(remote.ClientConfig{
		BaseURL:          cfg.Remote.URL,
		APIKey:           cfg.Remote.APIKey,
		Tokens:           tokens,
		HTTPClient:       newHTTPClient(cfg.Durations()),
		Logger:           logger,
		UserAgent:        userAgent,
		IDColumn:         cfg.Remote.IDColumn,
		VersionField:     cfg.Remote.VersionField,
		IdempotencyField: cfg.Remote.IdempotencyField,
		RequestsPerSec:   cfg.Remote.RequestsPerSecond,
		MaxRetries:       retries,
	})
}

// newHTTPClient returns an HTTP client with connect and data timeouts. The
// data timeout bounds the wait for response headers; bodies are small JSON.
func newHTTPClient(d config.Durations) *http.Client {
	dialer := &net.Dialer{Timeout: d.ConnectTimeout}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: d.DataTimeout,
			IdleConnTimeout:       idleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// errDaemonOwnsQueue is returned by mutating commands while sync --watch runs.
var errDaemonOwnsQueue = errors.New("the sync daemon owns the queue")

// requireNoDaemon fails when a daemon holds the PID file lock.
func requireNoDaemon(cfg *config.Config) error {
	if pid, running := daemonRunning(cfg.PIDPath()); running {
		return fmt.Errorf("%w (PID %d); stop it or use its local API", errDaemonOwnsQueue, pid)
	}

	return nil
}

// inspectOptions picks the open options for read-only commands.
func inspectOptions(cfg *config.Config) appOptions {
	if _, running := daemonRunning(cfg.PIDPath()); running {
		return appOptions{mode: openInspect}
	}

	return appOptions{mode: openOwner}
}
