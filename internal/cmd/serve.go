package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server"
	"github.com/3leaps/gofleet/internal/server/handlers"
	"github.com/3leaps/gofleet/pkg/cleanup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the director API, task workers and scheduled cleanup",
	Long: `Run the director: the HTTP API, a task worker pool over the configured
queue and the cron scheduler for orphan and DNS blob cleanup.

Workers and the scheduler can be disabled to run API-only replicas; run
'gofleet worker' elsewhere to execute the queued tasks.

Examples:
  gofleet serve
  gofleet serve --port 25555 --workers 8
  gofleet serve --no-workers --no-scheduler`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Int("workers", 0, "Concurrent tasks (default from config)")
	serveCmd.Flags().Bool("no-workers", false, "Do not execute tasks in this process")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not enqueue scheduled cleanup tasks")
}

// signalHealthChecker reports healthy while the process is not shutting down.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	return observability.Ready()
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := loadedConfig()
	logger := observability.CLILogger

	host := cfg.Server.Host
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		host = v
	}
	port := cfg.Server.Port
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		port = v
	}
	workers := cfg.Workers
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		workers = v
	}
	noWorkers, _ := cmd.Flags().GetBool("no-workers")
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDirector(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start director", err)
	}
	defer func() { _ = d.Close() }()

	handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(handlers.GetHealthManager(), d, cfg)

	if cfg.Metrics.Enabled {
		observability.InitMetrics("gofleet")
		observability.StartMetricsServer(ctx, net.JoinHostPort(host, strconv.Itoa(cfg.Metrics.Port)), logger)
	}

	srv := server.New(host, port,
		server.WithLogger(logger.Named("http")),
		server.WithAPI(&handlers.API{DB: d.db, Client: d.client, Locks: d.backend}),
		server.WithProfiler(cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	var sched *cleanup.Scheduler
	if cfg.Scheduler.Enabled && !noScheduler {
		sched, err = cleanup.NewScheduler(d.db, d.client, cfg.Scheduler.Cleanup().Schedules(), logger.Named("scheduler"))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.ShutdownTimeout)
	})

	if !noWorkers {
		runner := d.runner(workers, childArgs())
		g.Go(func() error {
			if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
	}

	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
			return nil
		})
	}

	logger.Info("director started",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Bool("workers", !noWorkers),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("lock_backend", cfg.Locks.Backend),
		zap.String("cloud_provider", cfg.Cloud.Provider),
	)

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Director stopped with an error", err)
	}
	logger.Info("director stopped")
	return nil
}

func registerHealthCheckers(m *handlers.HealthManager, d *director, cfg *config.Config) {
	m.RegisterChecker("signal", signalHealthChecker{})
	if cfg.Metrics.Enabled {
		m.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	if id := GetAppIdentity(); id != nil {
		m.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	m.RegisterChecker("database", handlers.HealthCheckerFunc(d.db.PingContext))
	m.RegisterChecker("locks", handlers.HealthCheckerFunc(func(ctx context.Context) error {
		_, err := d.backend.List(ctx)
		return err
	}))
	if d.redis != nil {
		m.RegisterChecker("redis", handlers.HealthCheckerFunc(func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		}))
	}
}

// childArgs are the arguments process-isolated task workers start with so
// they load the same configuration as their parent.
func childArgs() []string {
	if cfgFile == "" {
		return nil
	}
	return []string{"--config", cfgFile}
}
