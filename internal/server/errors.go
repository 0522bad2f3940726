package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/trialforge/internal/ledger"
	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/space"
	"github.com/cwbudde/trialforge/internal/store"
)

// errBadRequest marks malformed path, query or body input.
var errBadRequest = errors.New("bad request")

// statusFor maps an error kind to an HTTP status. Checkpoint errors are
// tested first because they may wrap a validation error from the stored spec.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrCorruptCheckpoint),
		errors.Is(err, store.ErrUnsupportedVersion):
		return http.StatusUnprocessableEntity

	case errors.Is(err, errBadRequest),
		errors.Is(err, space.ErrValidation),
		errors.Is(err, opt.ErrInvalidOutcome),
		errors.Is(err, opt.ErrUnknownStrategy),
		errors.Is(err, store.ErrInvalidKey):
		return http.StatusBadRequest

	case errors.Is(err, registry.ErrExperimentNotFound),
		errors.Is(err, ledger.ErrUnknownTrial),
		errors.Is(err, opt.ErrUnknownTrial),
		errors.Is(err, opt.ErrNoObservationsYet),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, registry.ErrDuplicateExperiment),
		errors.Is(err, ledger.ErrAlreadyCompleted),
		errors.Is(err, opt.ErrDuplicateObservation),
		errors.Is(err, opt.ErrEngineExhausted):
		return http.StatusConflict

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes {"detail": ...} with the mapped status.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"path", c.Request.URL.Path,
			"status", status,
			"request_id", c.GetString("request_id"),
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Error()})
}
