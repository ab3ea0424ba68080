// Package observability holds the process-wide logger and metrics
// exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/gofleet/pkg/telemetry"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the process logger. It is a no-op until InitCLILogger runs.
var CLILogger = zap.NewNop()

// Telemetry is the metrics system behind the exporter.
type Telemetry struct {
	Gatherer prometheus.Gatherer
	Service  string
}

var (
	// TelemetrySystem is set by InitMetrics.
	TelemetrySystem *Telemetry

	// PrometheusExporter serves /metrics once InitMetrics ran.
	PrometheusExporter http.Handler
)

// NewLogger builds a logger writing to stderr. STRUCTURED writes JSON lines,
// CONSOLE writes human readable lines.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(profile) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	return cfg.Build()
}

// InitCLILogger replaces CLILogger.
func InitCLILogger(level, profile string) error {
	l, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	CLILogger = l
	zap.ReplaceGlobals(l)
	return nil
}

// InitMetrics sets up the Prometheus exporter over the default registry,
// where the director's collectors live, and the trace propagator.
func InitMetrics(service string) {
	TelemetrySystem = &Telemetry{Gatherer: prometheus.DefaultGatherer, Service: service}
	PrometheusExporter = promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
	telemetry.InitPropagator()
}

// Ready reports whether metrics were initialised.
func Ready() error {
	if TelemetrySystem == nil || PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// StartMetricsServer serves /metrics on addr until ctx is done.
func StartMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	if PrometheusExporter == nil {
		InitMetrics("gofleet")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", PrometheusExporter)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

// Sync flushes CLILogger, ignoring the error stderr returns on some
// platforms.
func Sync() {
	_ = CLILogger.Sync()
	_ = os.Stderr.Sync()
}
