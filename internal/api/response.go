package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/generation/batch"
	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

// writeFailure maps service errors to classified API errors. The message is
// the classified reason; raw provider bodies never reach the caller.
func writeFailure(c *gin.Context, err error, details map[string]any) {
	var (
		exhausted *routing.ExhaustedError
		terminal  *routing.TerminalError
	)
	switch {
	case errors.Is(err, job.ErrInvalidSpec), errors.Is(err, batch.ErrEmptyBatch):
		writeError(c, http.StatusBadRequest, "INVALID_SPEC", err.Error(), false, details)
	case errors.Is(err, job.ErrUnknownOperation):
		writeError(c, http.StatusBadRequest, "UNKNOWN_OPERATION", "Operation handle or job id required", false, details)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", false, details)
	case errors.Is(err, pool.ErrNoCredentials):
		writeError(c, http.StatusServiceUnavailable, "NO_CREDENTIALS", err.Error(), true, details)
	case errors.As(err, &terminal):
		details = withDetail(details, "outcome", terminal.Classification.Outcome.String())
		details = withDetail(details, "credentials_tried", terminal.Credentials)
		writeError(c, http.StatusUnprocessableEntity, "TERMINAL", err.Error(), false, details)
	case errors.As(err, &exhausted):
		details = withDetail(details, "outcome", exhausted.Last.Outcome.String())
		details = withDetail(details, "attempts", exhausted.Attempts)
		details = withDetail(details, "credentials_tried", exhausted.Credentials)
		writeError(c, http.StatusBadGateway, "EXHAUSTED", err.Error(), true, details)
	case errors.Is(err, routing.ErrAssetReestablish):
		writeError(c, http.StatusBadGateway, "ASSET_UNAVAILABLE", err.Error(), true, details)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Internal error", true, details)
	}
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details[key] = value
	return details
}
