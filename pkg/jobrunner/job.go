// Package jobrunner executes director tasks.
//
// A task is a row in the tasks table plus a Descriptor handed to a queue
// transport. Workers consume descriptors, claim the task with an atomic
// queued -> processing update (a duplicate delivery loses the claim and is
// dropped), run the registered Job and record the outcome on the task.
//
// Task states:
//
//	queued -> processing -> done | error | cancelling
//	queued -> cancelling -> cancelled        (cancelled before it started)
//	cancelling -> cancelled | timeout
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Queue names.
const (
	QueueNormal = "normal"
	QueueUrgent = "urgent"
)

// Job is one unit of orchestration work. Perform returns the human-readable
// result recorded on the task.
type Job interface {
	Perform(ctx context.Context, t *Task) (string, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, t *Task) (string, error)

func (f JobFunc) Perform(ctx context.Context, t *Task) (string, error) { return f(ctx, t) }

// Factory builds a Job from its serialized arguments.
type Factory func(args json.RawMessage) (Job, error)

// Definition registers a job type.
type Definition struct {
	Type    string
	Queue   string
	Factory Factory
}

// Registry maps job types to factories.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Add registers def. Registering a type twice is an error.
func (r *Registry) Add(def Definition) error {
	if def.Type == "" || def.Factory == nil {
		return fmt.Errorf("job definition requires a type and a factory")
	}
	if def.Queue == "" {
		def.Queue = QueueNormal
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("job type %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for jobType.
func (r *Registry) Lookup(jobType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	if !ok {
		return Definition{}, fleeterr.Validation(fleeterr.CodeSystemError, "Unknown job type '%s'", jobType)
	}
	return def, nil
}

// Build decodes args and returns the job for jobType.
func (r *Registry) Build(jobType string, args json.RawMessage) (Job, error) {
	def, err := r.Lookup(jobType)
	if err != nil {
		return nil, err
	}
	return def.Factory(args)
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Register adds a job type whose arguments decode into A. Struct arguments
// are checked against their validate tags before build is called, both
// when enqueuing and when the worker rebuilds the job.
func Register[A any](r *Registry, jobType, queue string, build func(args A) (Job, error)) error {
	return r.Add(Definition{
		Type:  jobType,
		Queue: queue,
		Factory: func(raw json.RawMessage) (Job, error) {
			args, err := DecodeArgs[A](raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", jobType, err)
			}
			return build(args)
		},
	})
}

// DecodeArgs unmarshals and validates serialized job arguments.
func DecodeArgs[A any](raw json.RawMessage) (A, error) {
	var args A
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, fleeterr.Validation(fleeterr.CodeSystemError, "invalid job arguments: %v", err)
		}
	}
	v := reflect.ValueOf(args)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.IsValid() && v.Kind() == reflect.Struct {
		if err := validate.Struct(args); err != nil {
			return args, fleeterr.Validation(fleeterr.CodeSystemError, "invalid job arguments: %v", err)
		}
	}
	return args, nil
}
