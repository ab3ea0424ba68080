package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		profile string
		wantErr bool
	}{
		{"info", ProfileStructured, false},
		{"DEBUG", "console", false},
		{"warn", "", false},
		{"loud", ProfileStructured, true},
		{"info", "fancy", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.profile, func(t *testing.T) {
			l, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	l, err := NewLogger("warn", ProfileStructured)
	require.NoError(t, err)
	assert.Nil(t, l.Check(zapcore.InfoLevel, "dropped"))
}

func TestReadyAfterInitMetrics(t *testing.T) {
	origTelemetry, origExporter := TelemetrySystem, PrometheusExporter
	defer func() { TelemetrySystem, PrometheusExporter = origTelemetry, origExporter }()

	TelemetrySystem, PrometheusExporter = nil, nil
	require.EqualError(t, Ready(), "telemetry system not initialized")

	InitMetrics("gofleet-test")
	require.NoError(t, Ready())
	assert.Equal(t, "gofleet-test", TelemetrySystem.Service)
}
