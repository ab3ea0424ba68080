package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server/handlers"
)

func TestRegisterHealthCheckersForDirector(t *testing.T) {
	cfg := testDirectorConfig(t)
	d, err := openDirector(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	m := handlers.NewHealthManager("test")
	registerHealthCheckers(m, d, cfg)

	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Checks["database"])
	assert.Equal(t, "healthy", resp.Checks["locks"])
	assert.Equal(t, "healthy", resp.Checks["signal"])
	assert.NotContains(t, resp.Checks, "telemetry", "metrics are disabled")
	assert.NotContains(t, resp.Checks, "redis", "no redis backend configured")
}

func TestChildArgsForwardConfigFile(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig }()

	cfgFile = ""
	assert.Nil(t, childArgs())

	cfgFile = "/etc/gofleet/director.yaml"
	assert.Equal(t, []string{"--config", "/etc/gofleet/director.yaml"}, childArgs())
}

func TestTelemetryHealthCheckerNeedsExporter(t *testing.T) {
	origTelemetry := observability.TelemetrySystem
	origExporter := observability.PrometheusExporter
	defer func() {
		observability.TelemetrySystem = origTelemetry
		observability.PrometheusExporter = origExporter
	}()
	observability.TelemetrySystem = nil
	observability.PrometheusExporter = nil

	err := telemetryHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry system not initialized")
}

func TestIdentityHealthChecker(t *testing.T) {
	valid := identityHealthChecker{binaryName: "gofleet", envPrefix: "GOFLEET", configName: "gofleet"}
	assert.NoError(t, valid.CheckHealth(context.Background()))
	assert.NoError(t, signalHealthChecker{}.CheckHealth(context.Background()))

	for missing, checker := range map[string]identityHealthChecker{
		"missing binary name": {envPrefix: "GOFLEET", configName: "gofleet"},
		"missing env prefix":  {binaryName: "gofleet", configName: "gofleet"},
		"missing config name": {binaryName: "gofleet", envPrefix: "GOFLEET"},
	} {
		err := checker.CheckHealth(context.Background())
		require.Error(t, err, missing)
		assert.Contains(t, err.Error(), missing)
	}
}
