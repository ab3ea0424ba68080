package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// TaskState is the lifecycle state of a task.
//
//	queued -> processing -> done | error | cancelling
//	cancelling -> cancelled | timeout
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskDone       TaskState = "done"
	TaskError      TaskState = "error"
	TaskCancelling TaskState = "cancelling"
	TaskCancelled  TaskState = "cancelled"
	TaskTimeout    TaskState = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskDone, TaskError, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// Task is the persisted record of one enqueued job.
type Task struct {
	ID             int64      `json:"id"`
	Type           string     `json:"type"`
	State          TaskState  `json:"state"`
	Description    string     `json:"description"`
	Result         string     `json:"result,omitempty"`
	OutputLocation string     `json:"output_location,omitempty"`
	Username       string     `json:"user,omitempty"`
	DeploymentName string     `json:"deployment,omitempty"`
	ContextID      string     `json:"context_id,omitempty"`
	Queue          string     `json:"queue"`
	Args           string     `json:"-"`
	CreatedAt      time.Time  `json:"timestamp"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CheckpointAt   *time.Time `json:"checkpoint_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

const taskColumns = `id, type, state, description, result, output_location, username,
	deployment_name, context_id, queue, args, created_at, started_at, checkpoint_at, ended_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var state string
	var result, output, username, deployment, contextID, args sql.NullString
	var createdAt string
	var startedAt, checkpointAt, endedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &state, &t.Description, &result, &output, &username,
		&deployment, &contextID, &t.Queue, &args, &createdAt, &startedAt, &checkpointAt, &endedAt); err != nil {
		return nil, err
	}
	t.State = TaskState(state)
	t.Result = result.String
	t.OutputLocation = output.String
	t.Username = username.String
	t.DeploymentName = deployment.String
	t.ContextID = contextID.String
	t.Args = args.String

	var err error
	if t.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseOptionalDBTime(startedAt); err != nil {
		return nil, err
	}
	if t.CheckpointAt, err = parseOptionalDBTime(checkpointAt); err != nil {
		return nil, err
	}
	if t.EndedAt, err = parseOptionalDBTime(endedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a queued task and returns it with its id.
func CreateTask(ctx context.Context, q Queryer, t Task) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(t.Type) == "" {
		return nil, errors.New("task type is required")
	}
	if t.Queue == "" {
		t.Queue = "normal"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.State = TaskQueued

	err := q.QueryRowContext(ctx,
		`INSERT INTO tasks (type, state, description, username, deployment_name, context_id, queue, args, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		t.Type, string(t.State), t.Description, nullableString(t.Username), nullableString(t.DeploymentName),
		nullableString(t.ContextID), t.Queue, nullableString(t.Args), dbTime(t.CreatedAt)).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// GetTask loads a task by id.
func GetTask(ctx context.Context, q Queryer, id int64) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeTaskNotFound, "Task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	States     []TaskState
	Deployment string
	Type       string
	Limit      int
}

// ListTasks returns tasks newest first.
func ListTasks(ctx context.Context, q Queryer, f TaskFilter) ([]Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var where []string
	var args []any
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.Deployment != "" {
		where = append(where, "deployment_name = ?")
		args = append(args, f.Deployment)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// NextQueuedTask returns the oldest task on queue awaiting dispatch, or nil.
// A task cancelled before it ever started still awaits dispatch so that the
// runner can close it out as cancelled.
func NextQueuedTask(ctx context.Context, q Queryer, queue string) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := scanTask(q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = ? AND (state = ? OR (state = ? AND started_at IS NULL))
		 ORDER BY id ASC LIMIT 1`,
		queue, string(TaskQueued), string(TaskCancelling)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued task: %w", err)
	}
	return t, nil
}

// TransitionTask moves a task from one of from to to, setting result when
// non-empty. It reports whether the row was in an allowed source state.
func TransitionTask(ctx context.Context, q Queryer, id int64, from []TaskState, to TaskState, result string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(from) == 0 {
		return false, errors.New("at least one source state is required")
	}

	now := time.Now().UTC()
	sets := []string{"state = ?"}
	args := []any{string(to)}
	if result != "" {
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	switch {
	case to == TaskProcessing:
		sets = append(sets, "started_at = ?")
		args = append(args, dbTime(now))
	case to.IsTerminal():
		sets = append(sets, "ended_at = ?")
		args = append(args, dbTime(now))
	}

	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("transition task %d to %s: %w", id, to, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimTask atomically moves a task from queued to processing.
func ClaimTask(ctx context.Context, q Queryer, id int64) (bool, error) {
	return TransitionTask(ctx, q, id, []TaskState{TaskQueued}, TaskProcessing, "")
}

// TouchCheckpoint records a checkpoint and returns the task's current state.
func TouchCheckpoint(ctx context.Context, q Queryer, id int64) (TaskState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE tasks SET checkpoint_at = ? WHERE id = ?`, dbTime(time.Now().UTC()), id); err != nil {
		return "", fmt.Errorf("touch checkpoint: %w", err)
	}
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fleeterr.NotFound(fleeterr.CodeTaskNotFound, "Task %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("read task state: %w", err)
	}
	return TaskState(state), nil
}

// SetTaskOutputLocation records where the task's event/result/debug logs live.
func SetTaskOutputLocation(ctx context.Context, q Queryer, id int64, location string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE tasks SET output_location = ? WHERE id = ?`, location, id); err != nil {
		return fmt.Errorf("set task output location: %w", err)
	}
	return nil
}

// DeleteTasksBefore removes terminal tasks that ended before cutoff, keeping
// the keepLast most recent terminal tasks regardless of age.
func DeleteTasksBefore(ctx context.Context, q Queryer, cutoff time.Time, keepLast int) ([]Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	terminal := []TaskState{TaskDone, TaskError, TaskCancelled, TaskTimeout}
	tasks, err := ListTasks(ctx, q, TaskFilter{States: terminal})
	if err != nil {
		return nil, err
	}

	var removed []Task
	for i, t := range tasks {
		if i < keepLast {
			continue
		}
		ended := t.CreatedAt
		if t.EndedAt != nil {
			ended = *t.EndedAt
		}
		if !ended.Before(cutoff) {
			continue
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID); err != nil {
			return removed, fmt.Errorf("delete task %d: %w", t.ID, err)
		}
		removed = append(removed, t)
	}
	return removed, nil
}
