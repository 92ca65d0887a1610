// Package handlers is the HTTP boundary. Handlers parse the request, call
// exactly one service operation, and translate the result: core rules are
// never re-implemented here.
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/errs"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Code    errs.Code      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// httpStatus maps stable error codes to HTTP statuses.
func httpStatus(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeForbidden, errs.CodeNotAvailable, errs.CodeNoAttemptsLeft:
		return http.StatusForbidden
	case errs.CodeMaterialLocked:
		return http.StatusLocked
	case errs.CodeConflict, errs.CodeDuplicate, errs.CodeAlreadyInProgress,
		errs.CodeAlreadySubmitted, errs.CodeArchiveFirst, errs.CodeNoQuestions:
		return http.StatusConflict
	case errs.CodeExpired:
		return http.StatusGone
	case errs.CodeTooFrequent, errs.CodeTooManyParallel:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err into the error envelope. Unclassified errors
// surface as a generic Internal so internals never leak to clients.
func writeError(c *gin.Context, err error) {
	body := errorBody{Code: errs.CodeInternal, Message: "internal error"}
	var domainErr *errs.Error
	if errors.As(err, &domainErr) && domainErr.Code != errs.CodeInternal {
		body.Code = domainErr.Code
		body.Message = domainErr.Message
		body.Details = domainErr.Details
	}
	c.AbortWithStatusJSON(httpStatus(body.Code), gin.H{"error": body})
}

// pathID parses a positive int64 path parameter, writing a 400 on failure.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    errs.CodeNotFound,
			Message: "invalid " + name,
		}})
		return 0, false
	}
	return id, true
}

// roundPct rounds a stored two-decimal percentage to the integer the wire
// contract promises.
func roundPct(pct float64) int {
	return int(math.Round(pct))
}

// forbidden wraps an availability denial reason into the error envelope.
func forbidden(reason string) error {
	return errs.ErrForbidden.WithDetails(map[string]any{"reason": reason})
}
