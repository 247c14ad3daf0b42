// Package api exposes the tracking pipeline over HTTP: session control,
// event ingestion, and read-side views for the dashboard.
package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/tracker"
	"github.com/livepulse/tracker/pkg/response"
)

// StartSessionRequest is the body for POST /sessions/start.
type StartSessionRequest struct {
	Broadcaster string `json:"broadcaster" binding:"required"`
	RoomID      string `json:"room_id"`
}

// StopSessionRequest is the body for POST /sessions/stop. SessionID empty
// stops the current session.
type StopSessionRequest struct {
	SessionID string `json:"session_id"`
}

// Handler handles tracking HTTP endpoints.
type Handler struct {
	tracker *tracker.Tracker
	logger  *zap.Logger
}

// NewHandler creates the tracking API handler.
func NewHandler(tr *tracker.Tracker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{tracker: tr, logger: logger}
}

// StartSession handles POST /sessions/start.
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	rec, err := h.tracker.StartSession(c.Request.Context(), req.Broadcaster, req.RoomID)
	if err != nil {
		if errors.Is(err, tracker.ErrBroadcasterRequired) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Internal(c, "failed to start session")
		return
	}
	response.Created(c, rec.Summary())
}

// StopSession handles POST /sessions/stop. Stopping when nothing is active is
// a successful no-op.
func (h *Handler) StopSession(c *gin.Context) {
	var req StopSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}

	if err := h.tracker.StopSession(c.Request.Context(), req.SessionID); err != nil {
		response.Internal(c, "failed to stop session")
		return
	}
	response.OK(c, gin.H{"stopped": true})
}

// IngestEvent handles POST /events. The raw body is decoded and folded into
// the current session; 202 signals acceptance into the pipeline, not
// completed persistence.
func (h *Handler) IngestEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		response.BadRequest(c, "empty body")
		return
	}

	ev, err := models.DecodeEvent(raw, time.Now())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if !h.tracker.IngestEvent(c.Request.Context(), ev) {
		response.Conflict(c, "no active session")
		return
	}
	response.Accepted(c, gin.H{"type": ev.Type})
}

// Live handles GET /live.
func (h *Handler) Live(c *gin.Context) {
	response.OK(c, h.tracker.LiveSnapshot())
}

// SessionSummary handles GET /sessions/:id/summary. The literal id "current"
// targets the active session.
func (h *Handler) SessionSummary(c *gin.Context) {
	id := c.Param("id")
	if id == "current" {
		id = ""
	}
	summary, ok := h.tracker.SessionSummary(id)
	if !ok {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, summary)
}

// Statistics handles GET /statistics.
func (h *Handler) Statistics(c *gin.Context) {
	response.OK(c, h.tracker.Statistics())
}
