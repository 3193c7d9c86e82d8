// Package handlers provides HTTP handlers for the drawing ingestion API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, detail string, recommendations ...string) {
	resp := map[string]interface{}{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	if len(recommendations) > 0 {
		resp["recommendations"] = recommendations
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error type to an HTTP status.
func statusFor(t domain.ErrorType) int {
	switch t {
	case domain.ErrorTypeValidation:
		return http.StatusBadRequest
	case domain.ErrorTypeNotFound:
		return http.StatusNotFound
	case domain.ErrorTypeConflict:
		return http.StatusConflict
	case domain.ErrorTypeConversion:
		return http.StatusUnprocessableEntity
	case domain.ErrorTypeResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err using its DomainError type when it has one. Server-side
// failures are logged; the client only sees the message.
func writeDomainError(w http.ResponseWriter, logger *observability.Logger, err error) {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	status := statusFor(de.Type)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("error_type", string(de.Type)).Msg("Request failed")
	}

	detail := ""
	if de.Err != nil && status < http.StatusInternalServerError {
		detail = de.Err.Error()
	}
	writeError(w, status, de.Message, detail, de.Recommendations...)
}
