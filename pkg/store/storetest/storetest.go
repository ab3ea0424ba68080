// Package storetest opens migrated in-memory director databases for tests.
package storetest

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/store"
)

// New returns a migrated in-memory database closed when t finishes.
func New(t testing.TB) *store.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return db
}

// Deployment creates a deployment named name.
func Deployment(t testing.TB, db *store.DB, name string) *store.Deployment {
	t.Helper()
	d, _, err := store.FindOrCreateDeployment(context.Background(), db, name)
	require.NoError(t, err)
	return d
}

// Instance creates an instance with a VM in deployment d.
func Instance(t testing.TB, db *store.DB, d *store.Deployment, job string, index int, state store.InstanceState) *store.Instance {
	t.Helper()
	i, err := store.CreateInstance(context.Background(), db, store.Instance{
		DeploymentID: d.ID,
		Job:          job,
		Index:        index,
		State:        state,
		VMCID:        "vm-" + job + "-" + strconv.Itoa(index),
		AgentID:      "agent-" + job + "-" + strconv.Itoa(index),
	})
	require.NoError(t, err)
	return i
}
