package jobrunner

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

// Task is what a running job sees of its task.
type Task struct {
	ID         int64
	Type       string
	User       string
	Deployment string
	OutputDir  string

	// DB is the director database.
	DB *store.DB

	// Log receives stage progress for the task's event stream.
	Log *eventlog.Log

	// Events writes audit events stamped with this task.
	Events *eventlog.Recorder

	// Locks acquires named locks recorded as held by this task.
	Locks *lock.Manager

	// Logger writes to the process log and the task's debug stream.
	Logger *zap.Logger
}

// Checkpoint is a suspension point. It returns a cancellation error when
// the task was asked to cancel, and nil otherwise. Jobs call it between
// stages and return its error unchanged.
func (t *Task) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fleeterr.Cancelled(t.ID)
	}
	if t.DB == nil || t.ID == 0 {
		return nil
	}
	state, err := store.TouchCheckpoint(ctx, t.DB, t.ID)
	if err != nil {
		return err
	}
	if state == store.TaskCancelling {
		t.Logger.Info("task cancellation observed at checkpoint")
		return fleeterr.Cancelled(t.ID)
	}
	return nil
}

// NewDetachedTask returns a Task for running job code outside the runner,
// e.g. from tests or a CLI running a job inline.
func NewDetachedTask(db *store.DB, locks *lock.Manager, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		DB:     db,
		Log:    eventlog.NewLog(nil),
		Events: eventlog.NewRecorder(db, "", 0, logger),
		Locks:  locks,
		Logger: logger,
	}
}
