package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	ok, err := TryAcquireLock(ctx, db, "deployment:web", "owner-a", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TryAcquireLock(ctx, db, "deployment:web", "owner-b", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := GetLock(ctx, db, "deployment:web")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "owner-a", held.Owner)
	assert.Equal(t, "1", held.TaskID)

	released, err := ReleaseLock(ctx, db, "deployment:web", "owner-b")
	require.NoError(t, err)
	assert.False(t, released, "only the owner may release")

	released, err = ReleaseLock(ctx, db, "deployment:web", "owner-a")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = TryAcquireLock(ctx, db, "deployment:web", "owner-b", "2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLockCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	ok, err := TryAcquireLock(ctx, db, "release:nginx", "owner-a", "", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	held, err := GetLock(ctx, db, "release:nginx")
	require.NoError(t, err)
	assert.Nil(t, held, "expired locks are not reported")

	ok, err = TryAcquireLock(ctx, db, "release:nginx", "owner-b", "", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	renewed, err := RenewLock(ctx, db, "release:nginx", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	renewed, err = RenewLock(ctx, db, "release:nginx", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	locks, err := ListLocks(ctx, db)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "owner-b", locks[0].Owner)
}
