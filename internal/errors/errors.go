// Package errors defines application errors and their HTTP rendering.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/3leaps/defcal/pkg/extract"
)

// Error codes shared by HTTP responses and CLI diagnostics.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeMalformedReport    = "MALFORMED_REPORT"
)

// AppError carries a machine-readable code and HTTP status alongside the
// underlying error.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewBadRequest reports invalid client input.
func NewBadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message}
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewExternalServiceError reports a dependency that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// WrapInternal wraps err as an internal error. A cancelled ctx turns it
// into a service-unavailable error instead.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the envelope of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Classify maps err to an AppError. Missing files and reports become
// NOT_FOUND, malformed reports MALFORMED_REPORT, anything else is internal.
func Classify(err error) *AppError {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, os.ErrNotExist), extract.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "not found", Err: err}
	case extract.IsMalformed(err):
		return &AppError{Code: CodeMalformedReport, Status: http.StatusUnprocessableEntity, Message: "malformed report", Err: err}
	default:
		return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
	}
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := Classify(err)
	WriteError(w, appErr.Status, HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Error(),
		Details:   appErr.Details,
		RequestID: requestID(r),
	})
}

// WriteError writes body with the given status.
func WriteError(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.Header.Get("X-Request-ID")
}
