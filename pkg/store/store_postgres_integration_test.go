//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openPostgresTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("gofleet"),
		tcPostgres.WithUsername("gofleet"),
		tcPostgres.WithPassword("gofleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.Equal(t, DialectPostgres, db.Dialect())
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestPostgresTaskAndLockFlow(t *testing.T) {
	ctx := context.Background()
	db := openPostgresTestDB(t)

	task, err := CreateTask(ctx, db, Task{Type: "update_deployment", DeploymentName: "web"})
	require.NoError(t, err)

	ok, err := ClaimTask(ctx, db, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ClaimTask(ctx, db, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = TryAcquireLock(ctx, db, "deployment:web", "a", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = TryAcquireLock(ctx, db, "deployment:web", "b", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	d, _, err := FindOrCreateDeployment(ctx, db, "web")
	require.NoError(t, err)
	rel, err := FindOrCreateRelease(ctx, db, "nginx")
	require.NoError(t, err)
	rv, err := CreateReleaseVersion(ctx, db, ReleaseVersion{ReleaseID: rel.ID, Version: "1"})
	require.NoError(t, err)
	require.NoError(t, SetDeploymentReleaseVersions(ctx, db, d.ID, []int64{rv.ID}))

	versions, err := ListReleaseVersions(ctx, db, rel.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Deployed)
}
