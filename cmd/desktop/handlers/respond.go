// Package handlers provides the local REST API used by the desktop shell.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

func writeMessage(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: string(code)})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrBundleInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
