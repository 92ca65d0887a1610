package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[errs.Code]int{
		errs.CodeNotFound:          http.StatusNotFound,
		errs.CodeForbidden:         http.StatusForbidden,
		errs.CodeNotAvailable:      http.StatusForbidden,
		errs.CodeNoAttemptsLeft:    http.StatusForbidden,
		errs.CodeMaterialLocked:    http.StatusLocked,
		errs.CodeConflict:          http.StatusConflict,
		errs.CodeAlreadyInProgress: http.StatusConflict,
		errs.CodeAlreadySubmitted:  http.StatusConflict,
		errs.CodeNoQuestions:       http.StatusConflict,
		errs.CodeExpired:           http.StatusGone,
		errs.CodeTooFrequent:       http.StatusTooManyRequests,
		errs.CodeTooManyParallel:   http.StatusTooManyRequests,
		errs.CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, httpStatus(code), string(code))
	}
}

func serveError(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", func(c *gin.Context) { writeError(c, err) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestWriteErrorPreservesCodeAndDetails(t *testing.T) {
	err := errs.ErrNotAvailable.WithDetails(map[string]any{"reason": "previous section is not completed"})

	w := serveError(err)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error": {
		"code": "NotAvailable",
		"message": "not available yet",
		"details": {"reason": "previous section is not completed"}
	}}`, w.Body.String())
}

func TestWriteErrorUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("loading attempt: %w", errs.ErrExpired)

	w := serveError(err)

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"Expired"`)
}

func TestWriteErrorHidesInternals(t *testing.T) {
	w := serveError(errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"internal error"`)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestPathID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/things/:id", func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	})

	cases := map[string]int{
		"/things/42":  http.StatusOK,
		"/things/0":   http.StatusBadRequest,
		"/things/-3":  http.StatusBadRequest,
		"/things/abc": http.StatusBadRequest,
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

type staticTopics struct {
	topics []models.Topic
	err    error
}

func (s staticTopics) List(context.Context) ([]models.Topic, error) { return s.topics, s.err }

func TestListTopics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewProgressHandler(staticTopics{topics: []models.Topic{
		{ID: 1, Title: "Algebra", Category: "math", ImagePath: "covers/algebra.png"},
		{ID: 3, Title: "Geometry"},
	}}, nil, nil, nil)

	r := gin.New()
	r.GET("/topics", h.ListTopics)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/topics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"topics": [
		{"id": 1, "title": "Algebra", "description": "", "category": "math", "image_path": "covers/algebra.png"},
		{"id": 3, "title": "Geometry", "description": "", "category": "", "image_path": ""}
	]}`, w.Body.String())
}

func TestListTopicsStoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewProgressHandler(staticTopics{err: errors.New("pq: down")}, nil, nil, nil)

	r := gin.New()
	r.GET("/topics", h.ListTopics)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/topics", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRoundPct(t *testing.T) {
	assert.Equal(t, 53, roundPct(53.33))
	assert.Equal(t, 67, roundPct(66.67))
	assert.Equal(t, 100, roundPct(100))
}
