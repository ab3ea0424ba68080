//go:build integration

package lock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	connStr, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	client := NewRedisClient(strings.TrimPrefix(connStr, "redis://"), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client)
}

func TestRedisBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newRedisBackend(t)

	a := Claim{Name: "deployment:web", Owner: "a", TaskID: "1"}
	other := Claim{Name: "deployment:web", Owner: "b", TaskID: "2"}

	ok, err := b.TryAcquire(ctx, a, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.TryAcquire(ctx, other, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := b.Holder(ctx, "deployment:web")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "1", held.TaskID)

	renewed, err := b.Renew(ctx, other, time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
	renewed, err = b.Renew(ctx, a, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, b.Release(ctx, other))
	locks, err := b.List(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	require.NoError(t, b.Release(ctx, a))
	held, err = b.Holder(ctx, "deployment:web")
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestRedisManagerTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newRedisBackend(t), WithPollInterval(10*time.Millisecond))

	l, err := m.ForTask(3).Acquire(ctx, Release("nginx"), time.Second)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	_, err = m.ForTask(4).Acquire(ctx, Release("nginx"), 30*time.Millisecond)
	assert.ErrorIs(t, err, fleeterr.ErrLockTimeout)
	assert.Contains(t, err.Error(), "Locking task id is 3")
}
