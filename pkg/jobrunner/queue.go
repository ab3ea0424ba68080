package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/store"
)

// Descriptor is the serialized closure over a job handed to a transport.
// It is not persisted beyond the transport; the task row is the record.
type Descriptor struct {
	TaskID  int64             `json:"task_id"`
	JobType string            `json:"job_type"`
	Queue   string            `json:"queue"`
	Args    json.RawMessage   `json:"args,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// Handler processes one delivered descriptor. It returns only after the
// task was claimed (or the delivery rejected), not after it finished.
type Handler func(ctx context.Context, d Descriptor) error

// Queue transports descriptors from enqueuers to workers.
type Queue interface {
	// Publish hands d to the transport.
	Publish(ctx context.Context, d Descriptor) error

	// Consume delivers descriptors of queue to handler until ctx is done.
	Consume(ctx context.Context, queue string, handler Handler) error

	Close() error
}

// DBQueue uses the tasks table itself as the queue: Publish is a no-op and
// Consume polls for the oldest task awaiting dispatch.
type DBQueue struct {
	db       *store.DB
	interval time.Duration
}

func NewDBQueue(db *store.DB, pollInterval time.Duration) *DBQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &DBQueue{db: db, interval: pollInterval}
}

func (q *DBQueue) Publish(context.Context, Descriptor) error { return nil }

func (q *DBQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		// Drain everything that is ready before sleeping again.
		for {
			task, err := store.NextQueuedTask(ctx, q.db, queue)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll queue %s: %w", queue, err)
			}
			if task == nil {
				break
			}
			if err := handler(ctx, DescriptorFor(task)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (q *DBQueue) Close() error { return nil }

// DescriptorFor rebuilds the descriptor of a persisted task.
func DescriptorFor(t *store.Task) Descriptor {
	d := Descriptor{TaskID: t.ID, JobType: t.Type, Queue: t.Queue}
	if t.Args != "" {
		d.Args = json.RawMessage(t.Args)
	}
	return d
}
