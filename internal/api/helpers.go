// Package api exposes the HTTP surface: the public push and status-page
// endpoints, the websocket entry point, and the bearer-token admin CRUD.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/middleware"
)

// SendJSON sends a JSON response
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// SendError sends a standardized error response
func SendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	}
	_ = json.NewEncoder(w).Encode(response)
}

// DecodeJSON decodes request body with error handling
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		SendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// HandleAppError maps an error's kind onto the HTTP response. Returns true
// when a response was written.
func HandleAppError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}

	var ae *apperr.Error
	message := "An unexpected error occurred"
	kind := apperr.KindInternal
	if errors.As(err, &ae) {
		message = ae.Msg
		kind = ae.Kind
	}

	switch kind {
	case apperr.KindBadRequest, apperr.KindConfigInvalid:
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", message, nil)
	case apperr.KindUnauthorized:
		SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
	case apperr.KindNotFound:
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", message, nil)
	case apperr.KindConflict:
		SendError(w, r, http.StatusConflict, "CONFLICT", message, nil)
	case apperr.KindStorageUnavailable:
		SendError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", message, nil)
	default:
		SendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
	}
	return true
}

// SendListResponse sends a standardized list response
func SendListResponse(w http.ResponseWriter, data any, total int) {
	SendJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"total": total,
	})
}
