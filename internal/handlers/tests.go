package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/services/attempt"
)

// TestHandler exposes the test attempt lifecycle.
type TestHandler struct {
	attempts *attempt.Service
}

// NewTestHandler creates a test handler.
func NewTestHandler(attempts *attempt.Service) *TestHandler {
	return &TestHandler{attempts: attempts}
}

// Start begins a new attempt for the caller.
func (h *TestHandler) Start(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	testID, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := h.attempts.Start(c.Request.Context(), userID, role, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type attemptHeartbeatRequest struct {
	DraftAnswers models.Answers `json:"draft_answers"`
}

// Heartbeat refreshes an attempt and autosaves a draft.
func (h *TestHandler) Heartbeat(c *gin.Context) {
	userID := middleware.GetUserID(c)
	attemptID, ok := pathID(c, "id")
	if !ok {
		return
	}
	// An empty body is a plain keep-alive beat with no draft.
	var req attemptHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    errs.CodeInternal,
			Message: "invalid request body",
		}})
		return
	}
	result, err := h.attempts.Heartbeat(c.Request.Context(), userID, attemptID, req.DraftAnswers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type submitRequest struct {
	Answers          models.Answers `json:"answers"`
	TimeSpentSeconds int            `json:"time_spent_seconds"`
}

// Submit grades and finalizes an attempt.
func (h *TestHandler) Submit(c *gin.Context) {
	userID := middleware.GetUserID(c)
	attemptID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    errs.CodeInternal,
			Message: "invalid request body",
		}})
		return
	}
	a, err := h.attempts.Submit(c.Request.Context(), userID, attemptID, req.Answers, req.TimeSpentSeconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Get returns the caller's view of an attempt.
func (h *TestHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	attemptID, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.attempts.Get(c.Request.Context(), userID, attemptID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// List returns the caller's attempts for a test.
func (h *TestHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	testID, ok := pathID(c, "id")
	if !ok {
		return
	}
	attempts, err := h.attempts.List(c.Request.Context(), userID, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// ResetLast deletes a student's most recent attempt. Teacher/admin only,
// further restricted to managers of the enclosing topic.
func (h *TestHandler) ResetLast(c *gin.Context) {
	teacherID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	testID, ok := pathID(c, "id")
	if !ok {
		return
	}
	studentID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || studentID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    errs.CodeNotFound,
			Message: "invalid user_id",
		}})
		return
	}
	deleted, err := h.attempts.ResetLast(c.Request.Context(), teacherID, role, testID, studentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted_attempt_id": deleted.ID,
		"attempt_number":     deleted.AttemptNumber,
	})
}
