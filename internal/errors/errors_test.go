package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fleeterr.NotFound(fleeterr.CodeTaskNotFound, "task 1"), http.StatusNotFound, CodeNotFound},
		{"invalid state", fleeterr.InvalidState(fleeterr.CodeTaskInvalidState, "done"), http.StatusConflict, CodeConflict},
		{"lock timeout", fleeterr.LockTimeout("lock:deployment:web", "task 3"), http.StatusConflict, CodeConflict},
		{"validation", fleeterr.Validation(fleeterr.CodeBadManifest, "bad"), http.StatusBadRequest, CodeValidation},
		{"wrapped validation", fmt.Errorf("enqueue: %w", fleeterr.Validation(0, "bad")), http.StatusBadRequest, CodeValidation},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	RespondWithError(rec, req, stderrors.New("dial tcp 10.0.0.1: secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal error", body.Error.Message)
}

func TestRespondWithErrorCarriesDirectorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/9", nil)
	RespondWithError(rec, req, fleeterr.NotFound(fleeterr.CodeTaskNotFound, "Task 9 not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, fleeterr.CodeTaskNotFound, body.Error.DirectorCode)
	assert.Contains(t, body.Error.Message, "Task 9 not found")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(stderrors.New("boom")))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(fleeterr.Validation(0, "bad flag")))
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(fleeterr.NotFound(0, "gone")))
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(fleeterr.Cancelled(4)))

	wrapped := fmt.Errorf("run: %w", &ExitError{Code: 42, Message: "explicit"})
	assert.Equal(t, 42, ExitCode(wrapped))
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "open store", (&ExitError{Message: "open store"}).Error())

	cause := stderrors.New("disk full")
	err := &ExitError{Code: 3, Message: "open store", Err: cause}
	assert.Equal(t, "open store: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}
