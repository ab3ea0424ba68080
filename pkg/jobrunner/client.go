package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/telemetry"
)

// Client is the surface the API and CLI use to start and steer tasks.
type Client struct {
	db       *store.DB
	queue    Queue
	registry *Registry
}

func NewClient(db *store.DB, queue Queue, registry *Registry) *Client {
	return &Client{db: db, queue: queue, registry: registry}
}

// EnqueueOptions carries task metadata.
type EnqueueOptions struct {
	User        string
	Deployment  string
	Description string
	ContextID   string

	// Queue overrides the job type's queue.
	Queue string
}

// Enqueue validates args against jobType, persists a queued task and hands
// its descriptor to the transport. It is the only way to start
// orchestration work.
func (c *Client) Enqueue(ctx context.Context, jobType string, args any, opts EnqueueOptions) (*store.Task, error) {
	def, err := c.registry.Lookup(jobType)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", jobType, err)
	}
	if _, err := def.Factory(raw); err != nil {
		return nil, err
	}

	queue := def.Queue
	if opts.Queue != "" {
		queue = opts.Queue
	}
	description := opts.Description
	if description == "" {
		description = jobType
	}

	task, err := store.CreateTask(ctx, c.db, store.Task{
		Type:           jobType,
		Description:    description,
		Username:       opts.User,
		DeploymentName: opts.Deployment,
		ContextID:      opts.ContextID,
		Queue:          queue,
		Args:           string(raw),
	})
	if err != nil {
		return nil, err
	}

	d := DescriptorFor(task)
	d.Trace = telemetry.InjectMap(ctx)
	if err := c.queue.Publish(ctx, d); err != nil {
		// The row stays queued; Requeue or a DB-polling worker delivers it later.
		return task, fmt.Errorf("publish task %d: %w", task.ID, err)
	}
	telemetry.TasksEnqueued.WithLabelValues(jobType, queue).Inc()
	return task, nil
}

// Status returns the task record.
func (c *Client) Status(ctx context.Context, taskID int64) (*store.Task, error) {
	return store.GetTask(ctx, c.db, taskID)
}

// Cancel requests cancellation. Only queued and processing tasks can be
// cancelled; the job observes the request at its next checkpoint.
func (c *Client) Cancel(ctx context.Context, taskID int64) (*store.Task, error) {
	ok, err := store.TransitionTask(ctx, c.db, taskID,
		[]store.TaskState{store.TaskQueued, store.TaskProcessing}, store.TaskCancelling, "")
	if err != nil {
		return nil, err
	}
	task, err := store.GetTask(ctx, c.db, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fleeterr.InvalidState(fleeterr.CodeTaskInvalidState,
			"Cannot cancel task %d: invalid state (%s)", taskID, task.State)
	}
	return task, nil
}

// Requeue republishes tasks on queue still awaiting dispatch that were
// created before now-olderThan. Transports that may lose a descriptor
// (a Redis pop by a worker that died) rely on it.
func (c *Client) Requeue(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	tasks, err := store.ListTasks(ctx, c.db, store.TaskFilter{States: []store.TaskState{store.TaskQueued}})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Queue != queue || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := c.queue.Publish(ctx, DescriptorFor(&t)); err != nil {
			return n, fmt.Errorf("republish task %d: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}
