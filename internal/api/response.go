package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/portal"
)

const (
	ErrCodeInvalidRequest     = constants.ErrCodeInvalidRequest
	ErrCodeUnauthorized       = constants.ErrCodeAuthFailed
	ErrCodeForbidden          = constants.ErrCodeForbidden
	ErrCodeNotFound           = constants.ErrCodeNotFound
	ErrCodeConflict           = constants.ErrCodeConflict
	ErrCodeInternal           = constants.ErrCodeInternal
	ErrCodeRateLimitExceeded  = constants.ErrCodeRateLimited
	ErrCodePayloadTooLarge    = constants.ErrCodePayloadTooLarge
	ErrCodeAttachmentTooLarge = constants.ErrCodeAttachmentTooLarge
	ErrCodeMessageTooLong     = constants.ErrCodeMessageTooLong
	ErrCodeMessageEmpty       = constants.ErrCodeMessageEmpty
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, message)
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An internal error occurred")
}

// writeServiceError maps portal and codec errors to HTTP answers. Anything
// unrecognized is logged and reported as an internal error.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var oversized *attachment.OversizedError
	switch {
	case errors.As(err, &oversized):
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeAttachmentTooLarge, oversized.Error())
	case errors.Is(err, attachment.ErrExecutableFile),
		errors.Is(err, attachment.ErrDisallowedType),
		errors.Is(err, attachment.ErrInvalidPayload),
		errors.Is(err, attachment.ErrTooManyFiles):
		badRequest(w, err.Error())
	case errors.Is(err, portal.ErrTooLong):
		writeError(w, http.StatusBadRequest, ErrCodeMessageTooLong, "Message exceeds maximum length")
	case errors.Is(err, portal.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, ErrCodeMessageEmpty, "Message needs text or an attachment")
	case errors.Is(err, portal.ErrNotFound):
		notFound(w, "Not found")
	case errors.Is(err, portal.ErrForbidden), errors.Is(err, portal.ErrNotSender):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, portal.ErrTombstoned):
		writeError(w, http.StatusConflict, ErrCodeConflict, "Message has been deleted")
	case errors.Is(err, portal.ErrInvalid), errors.Is(err, portal.ErrInvalidStatus):
		badRequest(w, err.Error())
	default:
		slog.Error("request failed", "component", "api", "method", r.Method, "path", r.URL.Path, "error", err)
		internalError(w)
	}
}
