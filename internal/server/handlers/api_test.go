package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/pkg/cleanup"
	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/errand"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

const smokeManifest = `
name: smoke
releases:
  - name: nginx
    version: "1.2"
stemcells:
  - alias: default
    os: jammy
    version: latest
update:
  canaries: 1
  max_in_flight: 1
  canary_watch_time: 1000
  update_watch_time: 1000
instance_groups:
  - name: web
    instances: 1
    azs: [z1]
    vm_type: small
    stemcell: default
    networks: [{name: private}]
    jobs:
      - name: nginx
        release: nginx
`

type apiHarness struct {
	db     *store.DB
	client *jobrunner.Client
	locks  lock.Backend
	router chi.Router
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	db := storetest.New(t)
	registry := jobrunner.NewRegistry()
	require.NoError(t, deployment.Register(registry, &deployment.Orchestrator{}))
	require.NoError(t, errand.Register(registry, &errand.Runner{}))
	require.NoError(t, cleanup.Register(registry, &cleanup.Collector{}))
	require.NoError(t, instance.Register(registry, &instance.Manager{}))
	require.NoError(t, release.Register(registry, &release.Service{}))

	h := &apiHarness{
		db:     db,
		client: jobrunner.NewClient(db, jobrunner.NewDBQueue(db, time.Second), registry),
		locks:  lock.NewSQLBackend(db),
	}
	api := &API{DB: db, Client: h.client, Locks: h.locks}
	h.router = chi.NewRouter()
	api.Routes(h.router)
	return h
}

func (h *apiHarness) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestDeployEnqueuesUpdateTask(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/deployments?recreate=true&dry_run=true", smokeManifest,
		UserHeader, "alice", ContextHeader, "ctx-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	task := decode[store.Task](t, rec)
	assert.Equal(t, deployment.TypeUpdate, task.Type)
	assert.Equal(t, store.TaskQueued, task.State)
	assert.Equal(t, "smoke", task.DeploymentName)
	assert.Equal(t, "alice", task.Username)
	assert.Equal(t, "ctx-1", task.ContextID)
	assert.Equal(t, "/tasks/"+itoa(task.ID), rec.Header().Get("Location"))

	stored, err := store.GetTask(context.Background(), h.db, task.ID)
	require.NoError(t, err)
	var args deployment.UpdateArgs
	require.NoError(t, json.Unmarshal([]byte(stored.Args), &args))
	assert.True(t, args.Recreate)
	assert.True(t, args.DryRun)
	assert.False(t, args.SkipDrain)
	assert.Equal(t, smokeManifest, args.Manifest)
}

func TestDeployRejectsBadManifest(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/deployments", "releases: [")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[apperrors.HTTPErrorResponse](t, rec)
	assert.Equal(t, apperrors.CodeValidation, body.Error.Code)

	tasks, err := store.ListTasks(context.Background(), h.db, store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	task, err := h.client.Enqueue(ctx, cleanup.TypeCleanupArtifacts, cleanup.ArtifactsArgs{},
		jobrunner.EnqueueOptions{User: "bob", Description: "clean up"})
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/tasks/"+itoa(task.ID), "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[store.Task](t, rec)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "bob", got.Username)
	})

	t.Run("list by state", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/tasks?state=queued,processing", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]store.Task](t, rec), 1)

		rec = h.do(http.MethodGet, "/tasks?state=done", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[[]store.Task](t, rec))
	})

	t.Run("output of a task that has not started", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/tasks/"+itoa(task.ID)+"/output?type=event", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())

		rec = h.do(http.MethodGet, "/tasks/"+itoa(task.ID)+"/output?type=bogus", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		rec := h.do(http.MethodDelete, "/tasks/"+itoa(task.ID), "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, store.TaskCancelling, decode[store.Task](t, rec).State)
	})

	t.Run("missing task", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/tasks/999", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decode[apperrors.HTTPErrorResponse](t, rec)
		assert.Equal(t, 10000, body.Error.DirectorCode)
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/tasks/abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelFinishedTaskConflicts(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	task, err := h.client.Enqueue(ctx, cleanup.TypeCleanupArtifacts, cleanup.ArtifactsArgs{}, jobrunner.EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.TransitionTask(ctx, h.db, task.ID, []store.TaskState{store.TaskQueued}, store.TaskDone, "ok")
	require.NoError(t, err)

	rec := h.do(http.MethodDelete, "/tasks/"+itoa(task.ID), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteDeployment(t *testing.T) {
	h := newAPIHarness(t)
	storetest.Deployment(t, h.db, "smoke")

	rec := h.do(http.MethodDelete, "/deployments/smoke?force=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	task := decode[store.Task](t, rec)
	assert.Equal(t, deployment.TypeDelete, task.Type)
	assert.Equal(t, "director", task.Username)

	rec = h.do(http.MethodDelete, "/deployments/absent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunErrand(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/deployments/smoke/errands/smoke-tests/runs",
		`{"keep_alive":true,"instances":["web/*"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	assert.Equal(t, errand.TypeRun, task.Type)

	stored, err := store.GetTask(context.Background(), h.db, task.ID)
	require.NoError(t, err)
	var args errand.RunArgs
	require.NoError(t, json.Unmarshal([]byte(stored.Args), &args))
	assert.Equal(t, "smoke", args.Deployment)
	assert.Equal(t, "smoke-tests", args.Name)
	assert.True(t, args.KeepAlive)
	assert.Equal(t, []string{"web/*"}, args.Instances)

	rec = h.do(http.MethodPost, "/deployments/smoke/errands/smoke-tests/runs", `{"keep_alive":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupAndDiskEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/cleanup", `{"remove_all":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	task := decode[store.Task](t, rec)
	assert.Equal(t, cleanup.TypeCleanupArtifacts, task.Type)
	assert.Equal(t, "clean up all", task.Description)

	rec = h.do(http.MethodDelete, "/disks/disk-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, cleanup.TypeDeleteOrphanDisks, decode[store.Task](t, rec).Type)
}

func TestListingEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	storetest.Deployment(t, h.db, "alpha")

	rec := h.do(http.MethodGet, "/deployments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	deps := decode[[]store.Deployment](t, rec)
	require.Len(t, deps, 1)
	assert.Equal(t, "alpha", deps[0].Name)

	rec = h.do(http.MethodGet, "/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]lock.Held](t, rec))

	rec = h.do(http.MethodGet, "/events?deployment=alpha&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]store.Event](t, rec))

	rec = h.do(http.MethodGet, "/events?after_time=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/tasks?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
