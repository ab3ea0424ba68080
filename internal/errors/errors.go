// Package errors maps director errors onto HTTP responses and CLI exit
// codes.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// HTTP error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeValidation         = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	DirectorCode int            `json:"director_code,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	switch fleeterr.KindOf(err) {
	case fleeterr.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case fleeterr.KindInvalidState, fleeterr.KindLockTimeout:
		return http.StatusConflict, CodeConflict
	case fleeterr.KindValidation:
		return http.StatusBadRequest, CodeValidation
	case fleeterr.KindTransient, fleeterr.KindExternal:
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	body := HTTPError{
		Code:         code,
		Message:      msg,
		DirectorCode: fleeterr.CodeOf(err),
		RequestID:    middleware.GetReqID(r.Context()),
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// Respond writes an error response with an explicit status and code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Details:   details,
	}})
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ExitCode maps err onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *ExitError
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	switch fleeterr.KindOf(err) {
	case fleeterr.KindNotFound:
		return foundry.ExitFileNotFound
	case fleeterr.KindValidation:
		return foundry.ExitInvalidArgument
	case fleeterr.KindCancelled:
		return foundry.ExitSignalInt
	case fleeterr.KindTransient, fleeterr.KindExternal, fleeterr.KindLockTimeout:
		return foundry.ExitExternalServiceUnavailable
	}
	return 1
}

// ExitError carries the exit code a CLI command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }
