package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/services/guard"
	"github.com/terminal-bench/studytrack/internal/services/tracking"
)

// TrackingHandler exposes the activity-tracking session operations.
type TrackingHandler struct {
	tracker *tracking.Service
	guard   *guard.Guard
}

// NewTrackingHandler creates a tracking handler.
func NewTrackingHandler(tracker *tracking.Service, g *guard.Guard) *TrackingHandler {
	return &TrackingHandler{tracker: tracker, guard: g}
}

// StartSession opens a study session on a subsection.
func (h *TrackingHandler) StartSession(c *gin.Context) {
	userID := middleware.GetUserID(c)
	subsectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.guard.CheckSubsection(c.Request.Context(), userID, subsectionID); err != nil {
		writeError(c, err)
		return
	}
	status, err := h.tracker.StartSession(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Heartbeat credits elapsed study time on a subsection.
func (h *TrackingHandler) Heartbeat(c *gin.Context) {
	userID := middleware.GetUserID(c)
	subsectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.guard.CheckSubsection(c.Request.Context(), userID, subsectionID); err != nil {
		writeError(c, err)
		return
	}
	result, err := h.tracker.Heartbeat(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// EndSession closes the open study session.
func (h *TrackingHandler) EndSession(c *gin.Context) {
	userID := middleware.GetUserID(c)
	subsectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := h.tracker.EndSession(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Status returns the tracker's view of a subsection for the caller.
func (h *TrackingHandler) Status(c *gin.Context) {
	userID := middleware.GetUserID(c)
	subsectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := h.tracker.Status(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
