package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"quoted literal kept", DialectPostgres, "SELECT '?' , ? FROM t", "SELECT '?' , $1 FROM t"},
		{"no placeholders", DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebind(tt.dialect, tt.in))
		})
	}
}

func TestDBTimeOrdersLexically(t *testing.T) {
	early := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	late := early.Add(time.Nanosecond)
	assert.Less(t, dbTime(early), dbTime(late))

	parsed, err := parseDBTime(dbTime(early))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(early))
}

func TestParseDBTimeAcceptsDriverRenderings(t *testing.T) {
	want := time.Date(2026, 10, 19, 3, 58, 2, 461526640, time.UTC)
	tests := []struct {
		name string
		in   string
	}{
		{"fixed width", "2026-10-19T03:58:02.461526640Z"},
		{"trailing zeros trimmed", "2026-10-19T03:58:02.46152664Z"},
		{"offset", "2026-10-19T05:58:02.46152664+02:00"},
		{"space separated", "2026-10-19 03:58:02.46152664+00:00"},
		{"space separated no zone", "2026-10-19 03:58:02.46152664"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDBTime(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "got %s", got)
		})
	}

	whole, err := parseDBTime("2026-10-19T03:58:02Z")
	require.NoError(t, err)
	assert.True(t, whole.Equal(want.Truncate(time.Second)))

	_, err = parseDBTime("yesterday")
	assert.Error(t, err)
}

// Runs against whichever driver the build selects: libsql with cgo,
// modernc sqlite without.
func TestStoredTimesRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	dep, _, err := FindOrCreateDeployment(ctx, db, "app")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		created, err := CreateVariableSet(ctx, db, dep.ID)
		require.NoError(t, err)
		current, err := CurrentVariableSet(ctx, db, dep.ID)
		require.NoError(t, err, "read %d", i)
		require.NotNil(t, current)
		assert.Equal(t, created.ID, current.ID)
		assert.WithinDuration(t, created.CreatedAt, current.CreatedAt, time.Microsecond, "read %d", i)
	}

	task, err := CreateTask(ctx, db, Task{Type: "round_trip"})
	require.NoError(t, err)
	got, err := GetTask(ctx, db, task.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(task.CreatedAt))
}

func TestInTxDoesNotReplayOtherComponentsTransientErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	calls := 0
	timeout := fleeterr.New(fleeterr.CodeRPCTimeout, fleeterr.KindTransient, "agent timed out")
	err := db.InTx(ctx, func(*Tx) error {
		calls++
		return timeout
	})
	require.ErrorIs(t, err, fleeterr.ErrTransient)
	assert.Equal(t, 1, calls)
	assert.False(t, IsTransient(timeout))
	assert.True(t, IsTransient(errors.New("database is locked")))
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.com", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.com?authToken=tok", dsn)

	dir := t.TempDir()
	dsn, err = buildDSN(Config{Path: dir + "/nested/director.db"})
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/nested/director.db", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := CreateTask(ctx, tx, Task{Type: "rolled-back"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tasks, err := ListTasks(ctx, db, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRetryOnlyRetriesTransient(t *testing.T) {
	ctx := context.Background()
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("unique constraint failed")
	err = Retry(ctx, cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}
