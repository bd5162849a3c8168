package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dan-solli/evna/pkg/evna"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch evna.ClassifyError(err) {
	case evna.ErrTypeValidation:
		return http.StatusBadRequest
	case evna.ErrTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs the error and writes an appropriate HTTP error response.
func (s *Server) handleError(ctx context.Context, w http.ResponseWriter, err error, statusCode int) {
	if err == nil {
		return
	}

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	var ge *goerr.Error
	if errors.As(err, &ge) {
		s.logger.Log(ctx, level, "HTTP error",
			"status", statusCode,
			"error", err.Error(),
			"values", ge.Values(),
			"stack", ge.Stacks(),
		)
	} else {
		s.logger.Log(ctx, level, "HTTP error",
			"status", statusCode,
			"error", err.Error(),
		)
	}

	renderJSON(w, statusCode, map[string]string{"error": err.Error()})
}
