package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued tasks",
	Long: `Consume the configured task queue and execute tasks until interrupted.

Tasks still running when the worker is interrupted are allowed to finish.
On start the worker fails tasks left processing by a dead worker on this
host and, with --requeue-older-than, republishes queued tasks a lossy
transport may have dropped.

Examples:
  gofleet worker
  gofleet worker --workers 2 --queue urgent
  gofleet worker --requeue-older-than 5m`,
	RunE: runWorker,
}

var workerRunTaskCmd = &cobra.Command{
	Use:    "run-task",
	Short:  "Execute one claimed task in this process",
	Hidden: true,
	RunE:   runWorkerTask,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunTaskCmd)

	workerCmd.Flags().Int("workers", 0, "Concurrent tasks (default from config)")
	workerCmd.Flags().String("queue", "", "Queue to consume (default from config)")
	workerCmd.Flags().Duration("requeue-older-than", 0, "Republish queued tasks older than this on start")

	workerRunTaskCmd.Flags().Int64("task-id", 0, "Task to execute")
	_ = workerRunTaskCmd.MarkFlagRequired("task-id")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := *loadedConfig()
	logger := observability.CLILogger.Named("worker")

	if v, _ := cmd.Flags().GetString("queue"); v != "" {
		cfg.Queue.Name = v
	}
	workers := cfg.Workers
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		workers = v
	}
	requeueAfter, _ := cmd.Flags().GetDuration("requeue-older-than")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDirector(ctx, &cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start worker", err)
	}
	defer func() { _ = d.Close() }()

	if requeueAfter > 0 {
		n, err := d.client.Requeue(ctx, cfg.Queue.Name, requeueAfter)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to requeue tasks", err)
		}
		logger.Info("requeued tasks", zap.Int("count", n), zap.Duration("older_than", requeueAfter))
	}

	if err := d.runner(workers, childArgs()).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped with an error", err)
	}
	return nil
}

// runWorkerTask is the entry point of process-isolated task workers.
func runWorkerTask(cmd *cobra.Command, _ []string) error {
	cfg := loadedConfig()
	taskID, _ := cmd.Flags().GetInt64("task-id")
	if taskID <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --task-id value", fmt.Errorf("task id must be positive, got %d", taskID))
	}
	logger := observability.CLILogger.With(zap.Int64("task_id", taskID))

	// The parent supervises cancellation and timeouts; SIGTERM from it still
	// lets the job reach its next checkpoint.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	d, err := openDirector(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start task worker", err)
	}
	defer func() { _ = d.Close() }()

	start := time.Now()
	err = d.runner(1, nil).Execute(ctx, taskID)
	logger.Info("task worker finished", zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}
