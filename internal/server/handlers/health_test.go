package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

// directorHealth registers the checks serve wires for a director.
func directorHealth(t *testing.T, db *store.DB) *HealthManager {
	t.Helper()
	m := NewHealthManager("1.4.0")
	backend := lock.NewSQLBackend(db)
	m.RegisterChecker("database", HealthCheckerFunc(db.PingContext))
	m.RegisterChecker("locks", HealthCheckerFunc(func(ctx context.Context) error {
		_, err := backend.List(ctx)
		return err
	}))
	return m
}

func TestReadinessReportsDirectorDependencies(t *testing.T) {
	m := directorHealth(t, storetest.New(t))

	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.4.0", resp.Version)
	assert.Equal(t, map[string]string{"database": "healthy", "locks": "healthy"}, resp.Checks)
}

func TestReadinessFailsWhenDatabaseIsClosed(t *testing.T) {
	db := storetest.New(t)
	m := directorHealth(t, db)
	require.NoError(t, db.Close())

	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode[apperrors.HTTPErrorResponse](t, rec)
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["database"])
	assert.Equal(t, "unhealthy", checks["locks"])
}

func TestLivenessIgnoresFailingChecks(t *testing.T) {
	db := storetest.New(t)
	m := directorHealth(t, db)
	require.NoError(t, db.Close())

	rec := httptest.NewRecorder()
	m.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[HealthResponse](t, rec).Checks)
}

func TestSlowCheckDegradesHealth(t *testing.T) {
	m := directorHealth(t, storetest.New(t))
	m.RegisterChecker("redis", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["redis"])
}

func TestGlobalHandlersNeedInit(t *testing.T) {
	original := GetHealthManager()
	defer func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	}()

	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()
	for _, handler := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}

	InitHealthManager("1.4.0")
	require.NotNil(t, GetHealthManager())
	for _, handler := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
