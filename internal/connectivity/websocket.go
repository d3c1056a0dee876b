package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WebSocketMonitor holds a websocket to the realtime endpoint and pings it
// every interval. A successful dial or pong means online; a failed dial,
// ping, or read means offline, followed by reconnect attempts with
// exponential backoff capped at the interval.
type WebSocketMonitor struct {
	url        string
	header     http.Header
	httpClient *http.Client
	interval   time.Duration
	timeout    time.Duration
	state      *state
	logger     *slog.Logger

	// sleepFunc waits between reconnect attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Run keeps a connection open until ctx is canceled.
func (m *WebSocketMonitor) Run(ctx context.Context) error {
	delay := minReconnect

	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			m.logger.Debug("connectivity: realtime dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			m.state.set(ctx, false)

			if sleepErr := m.sleepFunc(ctx, delay); sleepErr != nil {
				return nil
			}

			delay = min(delay*2, m.interval)

			continue
		}

		delay = minReconnect
		m.state.set(ctx, true)

		hbErr := m.heartbeat(ctx, conn)
		conn.CloseNow()

		if ctx.Err() != nil {
			return nil
		}

		m.logger.Info("connectivity: realtime connection lost", slog.String("error", hbErr.Error()))
		m.state.set(ctx, false)
	}
}

func (m *WebSocketMonitor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{
		HTTPClient: m.httpClient,
		HTTPHeader: m.header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("connectivity: dialing %s: %w", m.url, err)
	}

	return conn, nil
}

// heartbeat pings conn every interval until a ping fails, the connection's
// read side errors, or ctx is canceled.
func (m *WebSocketMonitor) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)

	// Reading is required for pongs to be processed; data frames are
	// discarded.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("connectivity: reading: %w", err)
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return fmt.Errorf("connectivity: ping: %w", err)
			}
		}
	}
}
