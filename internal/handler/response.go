package handler

import (
	"encoding/json"
	"net/http"

	"battle-sync/internal/middleware"
	"battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

// respondError writes err as an error envelope. Errors that are not AppErrors are reported as internal.
func respondError(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	appErr, ok := errors.As(err)
	if !ok {
		appErr = errors.NewInternalError("Internal server error", err)
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	entry := log.WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"request_id": requestID,
		"error_type": string(appErr.Type),
	}).WithError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request failed")
	}

	respondJSON(w, appErr.StatusCode, errors.NewErrorResponse(appErr, requestID), log)
}
