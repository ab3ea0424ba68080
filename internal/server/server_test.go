package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/internal/server/handlers"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestUnknownRouteNamesMethodAndPath(t *testing.T) {
	rec := serve(New("127.0.0.1", 0), http.MethodGet, "/deployments/smoke/vms")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.Equal(t, "no route for GET /deployments/smoke/vms", body.Error.Message)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestMethodNotAllowedUsesErrorEnvelope(t *testing.T) {
	rec := serve(New("127.0.0.1", 0), http.MethodDelete, "/version")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeMethodNotAllowed, body.Error.Code)
}

func TestPortIsReportedAsConfigured(t *testing.T) {
	assert.Equal(t, 25555, New("0.0.0.0", 25555).Port())
	assert.Zero(t, New("127.0.0.1", 0).Port())
}

func TestHealthAndVersionRoutes(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, path).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPost, "/admin/signal").Code)
}

func TestProfilerOnlyWhenEnabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(New("127.0.0.1", 0), http.MethodGet, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, serve(New("127.0.0.1", 0, WithProfiler(true)), http.MethodGet, "/debug/pprof/").Code)
}

func TestDirectorAPIMountedWithOption(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(New("127.0.0.1", 0), http.MethodGet, "/tasks").Code)

	db := storetest.New(t)
	srv := New("127.0.0.1", 0, WithAPI(&handlers.API{DB: db, Locks: lock.NewSQLBackend(db)}))

	rec := serve(srv, http.MethodGet, "/tasks")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tasks []store.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	assert.Empty(t, tasks)

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/locks").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(srv, http.MethodPut, "/deployments").Code)
}
