package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/sync"
)

type enqueueBody struct {
	Collection string         `json:"collection"`
	Kind       queue.Kind     `json:"kind"`
	Payload    map[string]any `json:"payload"`
	RecordID   string         `json:"record_id"`
}

type resolveBody struct {
	Resolution string         `json:"resolution"`
	Payload    map[string]any `json:"payload"`
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

// streamStatus sends the current status, then one event per change, as
// server-sent events until the client disconnects. Bursts coalesce to the
// latest status.
func (s *Server) streamStatus(c *gin.Context) {
	updates := make(chan sync.Status, 1)

	unsubscribe := s.engine.AddStatusListener(func(st sync.Status) {
		for {
			select {
			case updates <- st:
				return
			default:
			}

			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", s.engine.Status())
	c.Writer.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st := <-updates:
			c.SSEvent("status", st)
		case <-keepAlive.C:
			c.SSEvent("ping", "")
		}

		return true
	})
}

func (s *Server) listOperations(c *gin.Context) {
	ops := s.engine.PendingOperations()

	if want := queue.Status(c.Query("status")); want != "" {
		filtered := ops[:0]

		for _, op := range ops {
			if op.Status == want {
				filtered = append(filtered, op)
			}
		}

		ops = filtered
	}

	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

func (s *Server) enqueueOperation(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	id, err := s.engine.Enqueue(c.Request.Context(), body.Collection, body.Kind, body.Payload, body.RecordID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) clearOperations(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clearing the queue requires confirm=true"})
		return
	}

	if err := s.engine.Clear(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) retryOperation(c *gin.Context) {
	if err := s.engine.RetryFailed(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) syncNow(c *gin.Context) {
	report := s.engine.SyncNow(c.Request.Context())

	status := http.StatusOK
	if report.Skipped {
		status = http.StatusAccepted
	}

	c.JSON(status, report)
}

func (s *Server) listConflicts(c *gin.Context) {
	conflicts := s.engine.Conflicts()
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) resolveConflict(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	res, err := sync.ParseResolution(body.Resolution)
	if err != nil {
		s.writeError(c, err)
		return
	}

	id, err := s.engine.ResolveConflict(c.Request.Context(), c.Param("id"), res, body.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolution": res, "op_id": id})
}

// writeError maps engine and queue errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrEmptyCollection),
		errors.Is(err, queue.ErrInvalidKind),
		errors.Is(err, queue.ErrMissingRecordID),
		errors.Is(err, sync.ErrInvalidResolution),
		errors.Is(err, sync.ErrMergeNeedsPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, sync.ErrConflictNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("api: request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
