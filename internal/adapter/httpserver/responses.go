// Package httpserver is the HTTP control plane: thin handlers over the task
// service plus the middleware stack they run under.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to deterministic status codes. Anything
// unrecognized is a 500 with an opaque message.
func writeError(w http.ResponseWriter, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusUnprocessableEntity
		code = "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrHandlerNotRegistered):
		status = http.StatusUnprocessableEntity
		code = "HANDLER_NOT_REGISTERED"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrResultMissing):
		status = http.StatusNotFound
		code = "RESULT_MISSING"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
		code = "BROKER_UNAVAILABLE"
	case errors.Is(err, domain.ErrTrackerUnavailable):
		status = http.StatusServiceUnavailable
		code = "TRACKER_UNAVAILABLE"
	default:
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
