// Package connectivity detects whether the hosted backend is reachable and
// reports online/offline transitions. Three modes are available: a websocket
// heartbeat against the realtime endpoint, a periodic HTTP probe of the REST
// root, and always-online.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"
)

// Modes accepted by New.
const (
	ModeWebSocket = "websocket"
	ModeProbe     = "probe"
	ModeAlways    = "always"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
	minReconnect    = time.Second
)

// ErrUnknownMode is returned by New for an unrecognized mode.
var ErrUnknownMode = errors.New("connectivity: unknown mode")

// ReportFunc receives connectivity transitions. The engine's SetOnline
// satisfies it.
type ReportFunc func(ctx context.Context, online bool)

// Pinger checks backend reachability with a single request. Satisfied by
// *remote.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor runs until ctx is canceled, reporting transitions as they happen.
type Monitor interface {
	Run(ctx context.Context) error
}

// Config holds the options for New.
type Config struct {
	Mode        string
	RealtimeURL string      // websocket mode
	Header      http.Header // websocket mode: extra handshake headers (apikey)
	HTTPClient  *http.Client
	Pinger      Pinger // probe mode
	Interval    time.Duration
	Timeout     time.Duration
	Report      ReportFunc
	Logger      *slog.Logger
}

// New builds the Monitor for cfg.Mode.
func New(cfg Config) (Monitor, error) {
	if cfg.Report == nil {
		return nil, errors.New("connectivity: report func is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	st := &state{report: cfg.Report, logger: logger}

	switch cfg.Mode {
	case ModeWebSocket:
		if cfg.RealtimeURL == "" {
			return nil, errors.New("connectivity: websocket mode requires a realtime url")
		}

		return &WebSocketMonitor{
			url:        cfg.RealtimeURL,
			header:     cfg.Header,
			httpClient: cfg.HTTPClient,
			interval:   interval,
			timeout:    timeout,
			state:      st,
			logger:     logger,
			sleepFunc:  sleepCtx,
		}, nil
	case ModeProbe:
		if cfg.Pinger == nil {
			return nil, errors.New("connectivity: probe mode requires a pinger")
		}

		return &ProbeMonitor{
			pinger:   cfg.Pinger,
			interval: interval,
			timeout:  timeout,
			state:    st,
			logger:   logger,
		}, nil
	case ModeAlways:
		return &alwaysOnline{state: st}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// state deduplicates reports so only transitions reach the callback. The
// first observation is always reported.
type state struct {
	mu     stdsync.Mutex
	known  bool
	online bool
	report ReportFunc
	logger *slog.Logger
}

func (s *state) set(ctx context.Context, online bool) {
	s.mu.Lock()
	changed := !s.known || s.online != online
	s.known = true
	s.online = online
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("connectivity: state changed", slog.Bool("online", online))
	s.report(ctx, online)
}

// alwaysOnline reports online once and waits for shutdown.
type alwaysOnline struct {
	state *state
}

func (a *alwaysOnline) Run(ctx context.Context) error {
	a.state.set(ctx, true)
	<-ctx.Done()

	return nil
}

// ProbeMonitor issues a request every interval; any response counts as
// online.
type ProbeMonitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	state    *state
	logger   *slog.Logger
}

// Run probes immediately and then every interval.
func (p *ProbeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.probe(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *ProbeMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.logger.Debug("connectivity: probe failed", slog.String("error", err.Error()))
	}

	p.state.set(ctx, err == nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
