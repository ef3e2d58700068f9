package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeTimeout        = "timeout"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writePublishError maps a publish failure onto an HTTP status.
func writePublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mqtt.ErrInvalidTopic),
		errors.Is(err, mqtt.ErrInvalidQoS),
		errors.Is(err, mqtt.ErrPayloadTooLarge):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, mqtt.ErrUnknownBinding):
		writeNotFound(w, err.Error())
	case errors.Is(err, mqtt.ErrPublishTimeout),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, mqtt.ErrTransportClosed),
		errors.Is(err, mqtt.ErrNotConnected),
		errors.Is(err, mqtt.ErrGatewayClosed),
		errors.Is(err, mqtt.ErrPublishCancelled):
		writeUnavailable(w, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
