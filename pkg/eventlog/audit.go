// Package eventlog records what the director does.
//
// Two streams exist. The audit trail is a table of append-only events in
// the store; every mutating operation writes a begin event and an end
// event whose ParentID points back at the begin. The stage log is the
// task's human-readable progress: JSON lines written to the task's event
// file as stages advance.
package eventlog

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/store"
)

// DefaultUser is recorded when a task has no user attached.
const DefaultUser = "admin"

// Entry describes the object an audit event is about.
type Entry struct {
	Action     string
	ObjectType string
	ObjectName string
	Deployment string
	Instance   string
	Context    map[string]any
}

// Recorder writes audit events on behalf of one task.
type Recorder struct {
	q      store.Queryer
	user   string
	task   string
	logger *zap.Logger
}

// NewRecorder returns a recorder that stamps events with user and taskID.
// A zero taskID leaves the task column empty.
func NewRecorder(q store.Queryer, user string, taskID int64, logger *zap.Logger) *Recorder {
	if user == "" {
		user = DefaultUser
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{q: q, user: user, logger: logger}
	if taskID > 0 {
		r.task = strconv.FormatInt(taskID, 10)
	}
	return r
}

// WithQueryer returns a copy writing through q, typically a transaction.
func (r *Recorder) WithQueryer(q store.Queryer) *Recorder {
	cp := *r
	cp.q = q
	return &cp
}

// Record appends a single event that has no begin/end pairing.
func (r *Recorder) Record(ctx context.Context, e Entry, opErr error) (*store.Event, error) {
	return r.write(ctx, nil, e, opErr)
}

// Begin appends the opening event of an operation.
func (r *Recorder) Begin(ctx context.Context, e Entry) (*store.Event, error) {
	return r.write(ctx, nil, e, nil)
}

// End appends the closing event for begin, carrying opErr when the
// operation failed.
func (r *Recorder) End(ctx context.Context, begin *store.Event, e Entry, opErr error) (*store.Event, error) {
	var parent *int64
	if begin != nil {
		id := begin.ID
		parent = &id
	}
	return r.write(ctx, parent, e, opErr)
}

// Track brackets fn with a begin/end pair and returns fn's error unchanged.
// Failing to write the end event is logged, not returned, so the
// operation's own outcome is never masked.
func (r *Recorder) Track(ctx context.Context, e Entry, fn func(ctx context.Context) error) error {
	begin, err := r.Begin(ctx, e)
	if err != nil {
		return err
	}
	opErr := fn(ctx)
	if _, err := r.End(ctx, begin, e, opErr); err != nil {
		r.logger.Warn("failed to record end event",
			zap.String("action", e.Action),
			zap.String("object_type", e.ObjectType),
			zap.String("object_name", e.ObjectName),
			zap.Error(err),
		)
		if opErr == nil {
			return err
		}
	}
	return opErr
}

func (r *Recorder) write(ctx context.Context, parent *int64, e Entry, opErr error) (*store.Event, error) {
	ev := store.Event{
		ParentID:   parent,
		User:       r.user,
		Action:     e.Action,
		ObjectType: e.ObjectType,
		ObjectName: e.ObjectName,
		Task:       r.task,
		Deployment: e.Deployment,
		Instance:   e.Instance,
		Context:    e.Context,
	}
	if opErr != nil {
		ev.Error = opErr.Error()
	}
	return store.CreateEvent(ctx, r.q, ev)
}
