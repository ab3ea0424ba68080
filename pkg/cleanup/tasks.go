package cleanup

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// DefaultTasksKept is how many finished tasks survive a task cleanup
// whatever their age.
const DefaultTasksKept = 100

// TasksArgs keep the Keep most recent finished tasks and delete older
// ones that ended more than MaxAge ago, output directories included.
type TasksArgs struct {
	MaxAge time.Duration `json:"max_task_age" validate:"gte=0"`
	Keep   int           `json:"max_tasks" validate:"gte=0"`
}

// TasksJob runs a task retention sweep.
func (c *Collector) TasksJob(ctx context.Context, t *jobrunner.Task, a TasksArgs) (string, error) {
	cutoff := c.now().Add(-a.MaxAge)
	n, err := c.DeleteTasks(ctx, t, cutoff, a.Keep)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %d task(s) finished before %s", n, cutoff.Format(cutoffLayout)), nil
}

// DeleteTasks removes finished tasks that ended before cutoff beyond the
// keep most recent, then their output directories. Tasks still queued or
// running are never touched. A directory that cannot be removed is
// reported after every directory was tried; its task row is already gone.
func (c *Collector) DeleteTasks(ctx context.Context, t *jobrunner.Task, cutoff time.Time, keep int) (int, error) {
	removed, err := store.DeleteTasksBefore(ctx, t.DB, cutoff, keep)
	if err != nil {
		return len(removed), err
	}
	t.Logger.Info("tasks deleted", zap.Int("count", len(removed)), zap.Time("cutoff", cutoff))

	var withOutput []store.Task
	for _, task := range removed {
		if task.OutputLocation != "" {
			withOutput = append(withOutput, task)
		}
	}
	if len(withOutput) == 0 {
		return len(removed), nil
	}
	_, err = sweep(ctx, t, c.MaxThreads, "Deleting task output", "task_output", withOutput,
		func(task store.Task) string { return strconv.FormatInt(task.ID, 10) },
		func(_ context.Context, task store.Task) error {
			return os.RemoveAll(task.OutputLocation)
		})
	return len(removed), err
}
