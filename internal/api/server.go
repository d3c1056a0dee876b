// Package api serves the engine over a local HTTP API so other programs on
// the machine (a UI shell, a kiosk, scripts) can enqueue operations, watch
// status, and resolve conflicts while the daemon owns the queue.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/sync"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
	defaultKeepAlive       = 15 * time.Second
)

// Engine is the engine surface the API exposes. Satisfied by *sync.Engine.
type Engine interface {
	Status() sync.Status
	AddStatusListener(fn func(sync.Status)) func()
	PendingOperations() []queue.Operation
	Enqueue(ctx context.Context, collection string, kind queue.Kind, payload map[string]any, recordID string) (string, error)
	Clear(ctx context.Context) error
	RetryFailed(ctx context.Context, id string) error
	SyncNow(ctx context.Context) sync.DrainReport
	Conflicts() []sync.Conflict
	ResolveConflict(ctx context.Context, opID string, resolution sync.Resolution, merged map[string]any) (string, error)
}

// Options configures a Server.
type Options struct {
	Listen          string
	AllowOrigins    []string // empty allows none beyond same-origin
	ShutdownTimeout time.Duration
}

// Server is the local HTTP API.
type Server struct {
	engine          Engine
	logger          *slog.Logger
	router          *gin.Engine
	listen          string
	shutdownTimeout time.Duration
	keepAlive       time.Duration
}

// New builds a Server with its routes registered.
func New(engine Engine, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:          engine,
		logger:          logger,
		listen:          opts.Listen,
		shutdownTimeout: opts.ShutdownTimeout,
		keepAlive:       defaultKeepAlive,
	}

	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}

	s.router = s.newRouter(opts.AllowOrigins)

	return s
}

func (s *Server) newRouter(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/status/stream", s.streamStatus)
		v1.GET("/operations", s.listOperations)
		v1.POST("/operations", s.enqueueOperation)
		v1.DELETE("/operations", s.clearOperations)
		v1.POST("/operations/:id/retry", s.retryOperation)
		v1.POST("/sync", s.syncNow)
		v1.GET("/conflicts", s.listConflicts)
		v1.POST("/conflicts/:id/resolve", s.resolveConflict)
	}

	return r
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.listen)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", s.listen, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully within
// the shutdown timeout. Returns nil on clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("api: serving", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("api: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutting down: %w", err)
	}

	s.logger.Info("api: stopped")

	return nil
}

// requestLogger logs one line per request at debug level, or warn for
// server errors.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}

		logger.Log(c.Request.Context(), level, "api: request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
