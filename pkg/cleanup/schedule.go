package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// scheduledUser is recorded on tasks the scheduler enqueues.
const scheduledUser = "scheduler"

// Enqueuer starts tasks; *jobrunner.Client implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, args any, opts jobrunner.EnqueueOptions) (*store.Task, error)
}

// Schedule enqueues JobType with Args on every tick of Spec, a standard
// five-field cron expression or a descriptor such as "@every 1h".
type Schedule struct {
	Spec        string
	JobType     string
	Args        any
	Description string
}

// ScheduleConfig holds the cron specs and max ages of the periodic
// sweeps. An empty spec disables that sweep.
type ScheduleConfig struct {
	OrphanedVMs    string
	OrphanDisks    string
	OrphanNetworks string
	DNSBlobs       string
	Tasks          string

	OrphanedVMMaxAge    time.Duration
	OrphanDiskMaxAge    time.Duration
	OrphanNetworkMaxAge time.Duration
	DNSBlobMaxAge       time.Duration
	TaskMaxAge          time.Duration
	TasksKept           int
}

// Schedules expands c into one Schedule per enabled sweep.
func (c ScheduleConfig) Schedules() []Schedule {
	var out []Schedule
	add := func(spec, jobType string, args any, description string) {
		if spec != "" {
			out = append(out, Schedule{Spec: spec, JobType: jobType, Args: args, Description: description})
		}
	}
	add(c.OrphanedVMs, TypeOrphanedVMs, AgeArgs{MaxAge: c.OrphanedVMMaxAge}, "scheduled orphaned vm cleanup")
	add(c.OrphanDisks, TypeOrphanDisks, AgeArgs{MaxAge: c.OrphanDiskMaxAge}, "scheduled orphan disk cleanup")
	add(c.OrphanNetworks, TypeOrphanNetworks, AgeArgs{MaxAge: c.OrphanNetworkMaxAge}, "scheduled orphaned network cleanup")
	add(c.DNSBlobs, TypeDNSBlobs, DNSBlobsArgs{MaxAge: c.DNSBlobMaxAge, Keep: DefaultDNSBlobsKept}, "scheduled dns blobs cleanup")
	add(c.Tasks, TypeTasks, TasksArgs{MaxAge: c.TaskMaxAge, Keep: c.TasksKept}, "scheduled task cleanup")
	return out
}

// Scheduler enqueues cleanup tasks on cron schedules. A tick is skipped
// while an earlier task of the same type is still queued or running.
type Scheduler struct {
	db     *store.DB
	client Enqueuer
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler parses schedules and returns a stopped scheduler.
func NewScheduler(db *store.DB, client Enqueuer, schedules []Schedule, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		db:     db,
		client: client,
		logger: logger,
	}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
	)
	for _, sc := range schedules {
		if _, err := s.cron.AddFunc(sc.Spec, func() { s.fire(context.Background(), sc) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", sc.JobType, sc.Spec, err)
		}
		logger.Info("cleanup scheduled", zap.String("job_type", sc.JobType), zap.String("spec", sc.Spec))
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a firing tick to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) fire(ctx context.Context, sc Schedule) {
	pending, err := store.ListTasks(ctx, s.db, store.TaskFilter{
		Type:   sc.JobType,
		States: []store.TaskState{store.TaskQueued, store.TaskProcessing, store.TaskCancelling},
		Limit:  1,
	})
	if err != nil {
		s.logger.Warn("scheduled cleanup check failed", zap.String("job_type", sc.JobType), zap.Error(err))
		return
	}
	if len(pending) > 0 {
		s.logger.Info("scheduled cleanup still pending, skipping tick",
			zap.String("job_type", sc.JobType), zap.Int64("task_id", pending[0].ID))
		return
	}
	task, err := s.client.Enqueue(ctx, sc.JobType, sc.Args, jobrunner.EnqueueOptions{
		User:        scheduledUser,
		Description: sc.Description,
	})
	if err != nil {
		s.logger.Error("scheduled cleanup enqueue failed", zap.String("job_type", sc.JobType), zap.Error(err))
		return
	}
	s.logger.Info("scheduled cleanup enqueued", zap.String("job_type", sc.JobType), zap.Int64("task_id", task.ID))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
