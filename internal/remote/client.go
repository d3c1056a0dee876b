package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Retry and backoff constants for the HTTP layer. Operation-level retries
// across drain passes are owned by the sync engine.
const (
	defaultMaxRetries = 3
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	defaultUserAgent  = "farmsync/0.1"
	defaultIDColumn   = "id"
	maxErrorBody      = 64 << 10
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs".
type TokenSource interface {
	Token() (string, error)
}

// ClientConfig holds the options for NewClient.
type ClientConfig struct {
	BaseURL    string // REST root, e.g. https://xyz.example.co/rest/v1
	APIKey     string // sent as the apikey header; bearer fallback when Tokens is nil
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string

	IDColumn         string  // primary key column used by *ByID calls (default "id")
	VersionField     string  // optimistic concurrency column; empty disables preconditions
	IdempotencyField string  // optional column that stores the insert idempotency key
	RequestsPerSec   float64 // 0 disables client-side rate limiting
	MaxRetries       int     // HTTP-level retries; 0 means defaultMaxRetries, negative disables
}

// Client is an HTTP client for the hosted backend. It handles request
// construction, authentication, retry with exponential backoff, rate
// limiting, and error classification.
type Client struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	limiter    *rate.Limiter
	maxRetries int

	idColumn         string
	versionField     string
	idempotencyField string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		tokens:           cfg.Tokens,
		httpClient:       cfg.HTTPClient,
		logger:           cfg.Logger,
		userAgent:        cfg.UserAgent,
		maxRetries:       cfg.MaxRetries,
		idColumn:         cfg.IDColumn,
		versionField:     cfg.VersionField,
		idempotencyField: cfg.IdempotencyField,
		sleepFunc:        timeSleep,
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}

	if c.idColumn == "" {
		c.idColumn = defaultIDColumn
	}

	switch {
	case c.maxRetries == 0:
		c.maxRetries = defaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}

	if cfg.RequestsPerSec > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSec))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return c
}

// request describes one logical API call. body is kept as bytes so retries
// can resend it.
type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	headers http.Header
}

// do executes a request against the backend, retrying network errors and
// retryable statuses. The caller is responsible for closing the response
// body on success.
func (c *Client) do(ctx context.Context, r *request) (*http.Response, error) {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var attempt int

	for {
		resp, err := c.doOnce(ctx, r, target)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", r.method),
					slog.String("path", r.path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s failed after %d retries: %w", r.method, r.path, c.maxRetries, err)
		}

		// 2xx: success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		remoteErr := readError(resp)

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, remoteErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, r *request, target string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if err := c.authorize(req); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.httpClient.Do(req)
}

// authorize sets the apikey and bearer headers. The API key doubles as the
// bearer token when no session token source is configured.
func (c *Client) authorize(req *http.Request) error {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	bearer := c.apiKey

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("obtaining token: %w", err)
		}

		bearer = tok
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return nil
}

// readError drains and closes an error response and builds an *Error.
func readError(resp *http.Response) *Error {
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		raw = []byte("(failed to read response body)")
	}

	e := &Error{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    strings.TrimSpace(string(raw)),
	}

	// PostgREST error bodies: {"code":"23505","message":"...","details":"..."}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	if json.Unmarshal(raw, &body) == nil {
		e.Code = body.Code
		if body.Message != "" {
			e.Message = body.Message
		}
	}

	e.Err = classify(resp.StatusCode, e.Code)

	return e
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Ping issues a single HEAD request against the REST root without retries.
// Any HTTP response, even an error status, proves the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("remote: creating ping request: %w", err)
	}

	if err := c.authorize(req); err != nil {
		return err
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: ping: %w", err)
	}

	resp.Body.Close()

	return nil
}
