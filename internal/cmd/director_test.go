package cmd

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/pkg/cleanup"
	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/errand"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
)

func testDirectorConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(context.Background(), map[string]any{
		"store":     map[string]any{"path": filepath.Join(dir, "director.db")},
		"blobstore": map[string]any{"path": filepath.Join(dir, "blobs")},
		"tasks":     map[string]any{"output_dir": filepath.Join(dir, "tasks")},
		"metrics":   map[string]any{"enabled": false},
	})
	require.NoError(t, err)
	return cfg
}

func TestOpenDirectorRegistersEveryJob(t *testing.T) {
	d, err := openDirector(context.Background(), testDirectorConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	types := d.registry.Types()
	for _, want := range []string{
		deployment.TypeUpdate,
		deployment.TypeDelete,
		errand.TypeRun,
		instance.TypeStart,
		instance.TypeStop,
		instance.TypeRestart,
		release.TypeUploadRelease,
		release.TypeUploadStemcell,
		cleanup.TypeCleanupArtifacts,
		cleanup.TypeDeleteOrphanDisks,
		cleanup.TypeDNSBlobs,
		cleanup.TypeTasks,
	} {
		assert.Contains(t, types, want)
	}
	assert.Nil(t, d.redis, "no redis client without a redis backend")
}

func TestOpenDirectorRejectsUnknownCloud(t *testing.T) {
	cfg := testDirectorConfig(t)
	cfg.Cloud.Provider = "openstack"

	_, err := openDirector(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown cloud provider "openstack"`)
}

func TestDirectorRunsQueuedTask(t *testing.T) {
	ctx := context.Background()
	cfg := testDirectorConfig(t)
	d, err := openDirector(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	task, err := d.client.Enqueue(ctx, cleanup.TypeCleanupArtifacts, cleanup.ArtifactsArgs{},
		jobrunner.EnqueueOptions{User: "test", Description: "clean up"})
	require.NoError(t, err)

	ok, err := store.TransitionTask(ctx, d.db, task.ID, []store.TaskState{store.TaskQueued}, store.TaskProcessing, "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.runner(1, nil).Execute(ctx, task.ID))

	done, err := d.client.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, done.State, done.Result)
	assert.Equal(t, filepath.Join(cfg.Tasks.OutputDir, strconv.FormatInt(task.ID, 10)), done.OutputLocation)

	_, err = jobrunner.ReadStream(done.OutputLocation, jobrunner.StreamEvent)
	require.NoError(t, err)
	result, err := jobrunner.ReadStream(done.OutputLocation, jobrunner.StreamResult)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestStoreConfigDefaultsToDataDir(t *testing.T) {
	cfg := &config.Config{}
	sc := storeConfig(cfg)
	assert.Equal(t, filepath.Join(dataDir(), "director.db"), sc.Path)

	cfg.Store.URL = "postgres://director@db/director"
	sc = storeConfig(cfg)
	assert.Empty(t, sc.Path)
	assert.Equal(t, cfg.Store.URL, sc.URL)

	bc := blobstoreConfig(&config.Config{})
	assert.Equal(t, filepath.Join(dataDir(), "blobs"), bc.Path)
}

func TestSplitHelpers(t *testing.T) {
	group, id, err := splitInstance("web/0")
	require.NoError(t, err)
	assert.Equal(t, "web", group)
	assert.Equal(t, "0", id)

	_, _, err = splitInstance("web")
	assert.Error(t, err)
	_, _, err = splitInstance("/0")
	assert.Error(t, err)

	name, version := splitNameVersion("nginx/1.2")
	assert.Equal(t, "nginx", name)
	assert.Equal(t, "1.2", version)
	name, version = splitNameVersion("nginx")
	assert.Equal(t, "nginx", name)
	assert.Empty(t, version)

	_, err = parseTaskID("abc")
	assert.Error(t, err)
	n, err := parseTaskID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
