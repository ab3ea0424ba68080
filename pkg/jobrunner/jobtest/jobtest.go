// Package jobtest builds tasks for exercising jobs without a runner.
package jobtest

import (
	"bytes"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

// Buffer is a concurrency-safe bytes.Buffer for capturing stage output.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Task returns a task over a fresh in-memory database. Stage output is
// captured in the returned buffer.
func Task(t testing.TB) (*jobrunner.Task, *Buffer) {
	t.Helper()
	return TaskWithDB(t, storetest.New(t))
}

// TaskWithDB is Task over an existing database.
func TaskWithDB(t testing.TB, db *store.DB) (*jobrunner.Task, *Buffer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	out := &Buffer{}
	task := jobrunner.NewDetachedTask(db, lock.NewManager(lock.NewSQLBackend(db)), logger)
	task.Log = eventlog.NewLog(out)
	task.User = eventlog.DefaultUser
	return task, out
}
