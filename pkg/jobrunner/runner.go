package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/telemetry"
)

// Isolation selects how a task body is isolated from the worker.
type Isolation string

const (
	// IsolationGoroutine runs the job in a supervised goroutine; panics are
	// recovered and recorded as task errors.
	IsolationGoroutine Isolation = "goroutine"

	// IsolationProcess runs every task in a child process
	// (`gofleet worker run-task --task-id N`) that can be killed without
	// affecting other tasks.
	IsolationProcess Isolation = "process"
)

// Config configures a Runner.
type Config struct {
	Queue         string
	Workers       int
	PollInterval  time.Duration
	CancelTimeout time.Duration
	TaskTimeout   time.Duration
	OutputDir     string
	Isolation     Isolation

	// Executable and ExecutableArgs start child workers in process mode.
	// Executable defaults to the running binary.
	Executable     string
	ExecutableArgs []string
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = QueueNormal
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = time.Minute
	}
	if c.Isolation == "" {
		c.Isolation = IsolationGoroutine
	}
	return c
}

// Runner consumes a queue and executes tasks, at most Workers at a time.
type Runner struct {
	db       *store.DB
	registry *Registry
	queue    Queue
	locks    *lock.Manager
	outputs  *OutputStore
	cfg      Config
	logger   *zap.Logger
	host     string

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewRunner(db *store.DB, registry *Registry, queue Queue, locks *lock.Manager, cfg Config, logger *zap.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &Runner{
		db:       db,
		registry: registry,
		queue:    queue,
		locks:    locks,
		outputs:  NewOutputStore(cfg.OutputDir),
		cfg:      cfg,
		logger:   logger,
		host:     host,
		slots:    make(chan struct{}, cfg.Workers),
	}
}

// Run recovers orphaned tasks, then consumes the queue until ctx is done.
// Tasks already running when ctx ends are allowed to finish.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.Recover(ctx); err != nil {
		r.logger.Warn("task recovery failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("recovered orphaned tasks", zap.Int("count", n))
	}

	r.logger.Info("worker started",
		zap.String("queue", r.cfg.Queue),
		zap.Int("workers", r.cfg.Workers),
		zap.String("isolation", string(r.cfg.Isolation)),
	)
	err := r.queue.Consume(ctx, r.cfg.Queue, r.dispatch)
	r.wg.Wait()
	r.logger.Info("worker stopped", zap.String("queue", r.cfg.Queue))
	return err
}

// dispatch waits for a free slot, claims the task and starts it. It
// returns once the claim settled so the transport can acknowledge.
func (r *Runner) dispatch(ctx context.Context, d Descriptor) error {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	task, err := r.claim(ctx, d.TaskID)
	if err != nil || task == nil {
		<-r.slots
		return err
	}

	runCtx := telemetry.ExtractMap(context.WithoutCancel(ctx), d.Trace)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.runClaimed(runCtx, task)
	}()
	return nil
}

// claim moves the task to processing. A delivery for a task that is not
// queued is rejected; a task cancelled before it started is closed out as
// cancelled here and never runs.
func (r *Runner) claim(ctx context.Context, taskID int64) (*store.Task, error) {
	ok, err := store.ClaimTask(ctx, r.db, taskID)
	if err != nil {
		return nil, err
	}
	task, err := store.GetTask(ctx, r.db, taskID)
	if err != nil {
		if fleeterr.IsNotFound(err) {
			r.logger.Warn("dropping delivery for unknown task", zap.Int64("task_id", taskID))
			return nil, nil
		}
		return nil, err
	}
	if ok {
		return task, nil
	}

	if task.State == store.TaskCancelling && task.StartedAt == nil {
		closed, err := store.TransitionTask(ctx, r.db, taskID,
			[]store.TaskState{store.TaskCancelling}, store.TaskCancelled, fleeterr.Cancelled(taskID).Error())
		if err != nil {
			return nil, err
		}
		if closed {
			telemetry.TasksFinished.WithLabelValues(task.Type, string(store.TaskCancelled)).Inc()
			r.logger.Info("task cancelled before start", zap.Int64("task_id", taskID))
		}
		return nil, nil
	}

	telemetry.TasksRejected.Inc()
	r.logger.Debug("rejecting delivery, task not queued",
		zap.Int64("task_id", taskID),
		zap.String("state", string(task.State)),
	)
	return nil, nil
}

func (r *Runner) runClaimed(ctx context.Context, task *store.Task) {
	switch r.cfg.Isolation {
	case IsolationProcess:
		r.runChild(ctx, task)
	default:
		jobCtx, kill := context.WithCancel(ctx)
		defer kill()
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := r.Execute(jobCtx, task.ID); err != nil {
				r.logger.Error("task execution failed", zap.Int64("task_id", task.ID), zap.Error(err))
			}
		}()
		r.supervise(ctx, task, done, kill)
	}
}

// runChild starts a child worker for the task and supervises it. If the
// child exits without recording an outcome, the task is marked error.
func (r *Runner) runChild(ctx context.Context, task *store.Task) {
	log := r.logger.With(zap.Int64("task_id", task.ID))
	fail := func(msg string) {
		ok, err := store.TransitionTask(ctx, r.db, task.ID,
			[]store.TaskState{store.TaskProcessing, store.TaskCancelling}, store.TaskError, msg)
		if err != nil {
			log.Error("failed to record task error", zap.Error(err))
			return
		}
		if ok {
			telemetry.TasksFinished.WithLabelValues(task.Type, string(store.TaskError)).Inc()
		}
	}

	dir, err := r.outputs.Prepare(task.ID)
	if err != nil {
		fail(err.Error())
		return
	}
	logFile, err := OpenStream(dir, "worker.log")
	if err != nil {
		fail(err.Error())
		return
	}
	defer func() { _ = logFile.Close() }()

	exe := r.cfg.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			fail(fmt.Sprintf("resolve executable: %v", err))
			return
		}
	}
	args := append(append([]string{}, r.cfg.ExecutableArgs...), "worker", "run-task", "--task-id", strconv.FormatInt(task.ID, 10))
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		fail(fmt.Sprintf("start task worker: %v", err))
		return
	}
	log.Debug("started task worker", zap.Int("pid", cmd.Process.Pid))

	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()
	killed := r.supervise(ctx, task, done, func() { _ = cmd.Process.Kill() })
	<-done

	if killed {
		return
	}
	current, err := store.GetTask(ctx, r.db, task.ID)
	if err != nil {
		log.Error("failed to read task after worker exit", zap.Error(err))
		return
	}
	if current.State.IsTerminal() {
		return
	}
	reason := "no outcome recorded"
	if waitErr != nil {
		reason = waitErr.Error()
	}
	log.Error("task worker exited unexpectedly", zap.String("reason", reason))
	fail(fmt.Sprintf("Task %d worker exited unexpectedly: %s", task.ID, reason))
}

// supervise watches the task until done closes. It turns an overrun of
// TaskTimeout into a cancellation request, and a cancellation that no
// checkpoint honoured within CancelTimeout into the timeout state, calling
// kill. It reports whether kill was called.
func (r *Runner) supervise(ctx context.Context, task *store.Task, done <-chan struct{}, kill func()) bool {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	started := time.Now()
	var cancelSeen time.Time
	for {
		select {
		case <-done:
			return false
		case <-ticker.C:
		}

		current, err := store.GetTask(ctx, r.db, task.ID)
		if err != nil {
			r.logger.Warn("failed to poll task state", zap.Int64("task_id", task.ID), zap.Error(err))
			continue
		}

		switch current.State {
		case store.TaskProcessing:
			if r.cfg.TaskTimeout > 0 && time.Since(started) > r.cfg.TaskTimeout {
				r.logger.Warn("task exceeded its timeout, requesting cancellation",
					zap.Int64("task_id", task.ID), zap.Duration("timeout", r.cfg.TaskTimeout))
				if _, err := store.TransitionTask(ctx, r.db, task.ID,
					[]store.TaskState{store.TaskProcessing}, store.TaskCancelling, ""); err != nil {
					r.logger.Warn("failed to request cancellation", zap.Int64("task_id", task.ID), zap.Error(err))
				}
			}
		case store.TaskCancelling:
			if cancelSeen.IsZero() {
				cancelSeen = time.Now()
			}
			if time.Since(cancelSeen) < r.cfg.CancelTimeout {
				continue
			}
			msg := fmt.Sprintf("Task %d did not reach a checkpoint within %s of being cancelled", task.ID, r.cfg.CancelTimeout)
			ok, err := store.TransitionTask(ctx, r.db, task.ID,
				[]store.TaskState{store.TaskCancelling}, store.TaskTimeout, msg)
			if err != nil {
				r.logger.Error("failed to time out task", zap.Int64("task_id", task.ID), zap.Error(err))
				continue
			}
			if ok {
				telemetry.TasksFinished.WithLabelValues(task.Type, string(store.TaskTimeout)).Inc()
				r.logger.Warn("terminating task after cancel timeout", zap.Int64("task_id", task.ID))
				if current.OutputLocation != "" {
					_ = WriteResult(current.OutputLocation, msg)
				}
			}
			kill()
			return true
		}
	}
}

// Execute runs an already claimed task in this process and records its
// outcome. Child workers in process mode call it directly.
func (r *Runner) Execute(ctx context.Context, taskID int64) error {
	task, err := store.GetTask(ctx, r.db, taskID)
	if err != nil {
		return err
	}
	if task.State != store.TaskProcessing && task.State != store.TaskCancelling {
		return fleeterr.InvalidState(fleeterr.CodeTaskInvalidState,
			"Task %d cannot be executed: invalid state (%s)", taskID, task.State)
	}

	dir, err := r.outputs.Prepare(task.ID)
	if err != nil {
		return err
	}
	if err := store.SetTaskOutputLocation(ctx, r.db, task.ID, dir); err != nil {
		return err
	}
	task.OutputLocation = dir
	if err := WriteWorker(dir, WorkerRecord{PID: os.Getpid(), Host: r.host, StartedAt: time.Now().UTC()}); err != nil {
		return err
	}

	eventFile, err := OpenStream(dir, StreamEvent)
	if err != nil {
		return err
	}
	defer func() { _ = eventFile.Close() }()
	debugFile, err := OpenStream(dir, StreamDebug)
	if err != nil {
		return err
	}
	defer func() { _ = debugFile.Close() }()

	logger := r.taskLogger(debugFile, task)
	defer func() { _ = logger.Sync() }()

	t := &Task{
		ID:         task.ID,
		Type:       task.Type,
		User:       task.Username,
		Deployment: task.DeploymentName,
		OutputDir:  dir,
		DB:         r.db,
		Log:        eventlog.NewLog(eventFile),
		Events:     eventlog.NewRecorder(r.db, task.Username, task.ID, logger),
		Logger:     logger,
	}
	if r.locks != nil {
		t.Locks = r.locks.ForTask(task.ID)
	}

	ctx, span := telemetry.StartSpan(ctx, "task.perform",
		"task.id", strconv.FormatInt(task.ID, 10), "task.type", task.Type)
	telemetry.TasksInFlight.WithLabelValues(task.Type).Inc()
	start := time.Now()

	logger.Info("task started")
	result, runErr := r.perform(ctx, t, task)

	telemetry.TasksInFlight.WithLabelValues(task.Type).Dec()
	telemetry.TaskDurationSeconds.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())
	telemetry.EndSpan(span, runErr)

	return r.finish(context.WithoutCancel(ctx), t, result, runErr)
}

func (r *Runner) perform(ctx context.Context, t *Task, task *store.Task) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			t.Logger.Error("task panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fleeterr.New(fleeterr.CodeSystemError, fleeterr.KindInternal, "Task %d failed unexpectedly: %v", task.ID, rec)
		}
	}()

	job, err := r.registry.Build(task.Type, json.RawMessage(task.Args))
	if err != nil {
		return "", err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return "", err
	}
	return job.Perform(ctx, t)
}

// finish records the outcome. Transitions are guarded by the expected
// source state, so an outcome arriving after the supervisor timed the
// task out is discarded.
func (r *Runner) finish(ctx context.Context, t *Task, result string, runErr error) error {
	var (
		to      store.TaskState
		from    []store.TaskState
		message = result
	)
	switch {
	case runErr == nil:
		to, from = store.TaskDone, []store.TaskState{store.TaskProcessing, store.TaskCancelling}
	case fleeterr.IsCancelled(runErr):
		to, from, message = store.TaskCancelled, []store.TaskState{store.TaskCancelling}, runErr.Error()
	default:
		to, from, message = store.TaskError, []store.TaskState{store.TaskProcessing, store.TaskCancelling}, runErr.Error()
		t.Log.Error(runErr)
	}

	ok, err := store.TransitionTask(ctx, r.db, t.ID, from, to, message)
	if err != nil {
		return err
	}
	if !ok && to == store.TaskCancelled {
		// Interrupted without a cancellation request, e.g. worker shutdown.
		to = store.TaskError
		ok, err = store.TransitionTask(ctx, r.db, t.ID, []store.TaskState{store.TaskProcessing}, to, message)
		if err != nil {
			return err
		}
	}
	if !ok {
		t.Logger.Warn("task outcome discarded, task already finished", zap.String("outcome", string(to)))
		return nil
	}

	telemetry.TasksFinished.WithLabelValues(t.Type, string(to)).Inc()
	if runErr != nil {
		t.Logger.Error("task finished", zap.String("state", string(to)), zap.Error(runErr))
	} else {
		t.Logger.Info("task finished", zap.String("state", string(to)), zap.String("result", result))
	}
	return WriteResult(t.OutputDir, message)
}

// Recover marks processing tasks whose worker process on this host is gone
// as failed. It returns how many tasks were recovered.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	tasks, err := store.ListTasks(ctx, r.db, store.TaskFilter{
		States: []store.TaskState{store.TaskProcessing, store.TaskCancelling},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.OutputLocation == "" || filepath.Dir(t.OutputLocation) != filepath.Clean(r.outputs.RootDir()) {
			continue
		}
		rec, err := ReadWorker(t.OutputLocation)
		if err != nil || rec.Host != r.host || rec.PID == os.Getpid() || isProcessAlive(rec.PID) {
			continue
		}
		msg := fmt.Sprintf("Task %d worker process %d is gone", t.ID, rec.PID)
		ok, err := store.TransitionTask(ctx, r.db, t.ID,
			[]store.TaskState{store.TaskProcessing, store.TaskCancelling}, store.TaskError, msg)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			_ = WriteResult(t.OutputLocation, msg)
		}
	}
	return n, nil
}

// taskLogger tees the process logger with a JSON core writing the task's
// debug stream.
func (r *Runner) taskLogger(w io.Writer, task *store.Task) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)

	fields := []zap.Field{zap.Int64("task_id", task.ID), zap.String("job_type", task.Type)}
	if task.DeploymentName != "" {
		fields = append(fields, zap.String("deployment", task.DeploymentName))
	}
	return zap.New(zapcore.NewTee(r.logger.Core(), fileCore)).With(fields...)
}
