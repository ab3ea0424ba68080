package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

func TestInstanceActions(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/deployments/smoke/instances/web/0/stop?hard=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	assert.Equal(t, instance.TypeStop, task.Type)
	assert.Equal(t, "stop instance web/0", task.Description)

	stored, err := store.GetTask(context.Background(), h.db, task.ID)
	require.NoError(t, err)
	var args instance.StopArgs
	require.NoError(t, json.Unmarshal([]byte(stored.Args), &args))
	assert.True(t, args.Hard)
	assert.Equal(t, "web", args.InstanceGroup)

	rec = h.do(http.MethodPost, "/deployments/smoke/instances/web/0/explode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInstances(t *testing.T) {
	h := newAPIHarness(t)
	d := storetest.Deployment(t, h.db, "smoke")
	storetest.Instance(t, h.db, d, "web", 0, store.InstanceStarted)

	rec := h.do(http.MethodGet, "/deployments/smoke/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]store.Instance](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Job)
}

func TestConfigs(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodGet, "/configs?type=cloud", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/configs", `{"type":"cloud","content":""}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[store.ConfigRecord](t, rec)
	assert.Equal(t, "default", created.Name)

	rec = h.do(http.MethodGet, "/configs?type=cloud", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[store.ConfigRecord](t, rec).ID)

	rec = h.do(http.MethodPost, "/configs", `{"type":"cpi","content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStemcellEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/stemcells",
		`{"name":"ubuntu-jammy","version":"1.5","operating_system":"jammy","image_path":"/tmp/image"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, release.TypeUploadStemcell, decode[store.Task](t, rec).Type)

	rec = h.do(http.MethodPost, "/stemcells", `{"version":"1.5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodDelete, "/stemcells/ubuntu-jammy/1.5?force=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, release.TypeDeleteStemcell, decode[store.Task](t, rec).Type)

	rec = h.do(http.MethodGet, "/stemcells", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]store.Stemcell](t, rec))
}

func TestReleaseUploadValidatesDescriptor(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/releases", "version: 1\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/releases", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]store.Release](t, rec))
}

func TestReleaseUploadAndDeleteEnqueue(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/releases", "name: nginx\nversion: \"1.2\"\n", UserHeader, "ops")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	assert.Equal(t, release.TypeUploadRelease, task.Type)
	assert.Equal(t, "create release nginx", task.Description)
	assert.Equal(t, "ops", task.Username)

	rec = h.do(http.MethodDelete, "/releases/nginx?version=1.2&force=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	task = decode[store.Task](t, rec)
	assert.Equal(t, release.TypeDeleteRelease, task.Type)

	stored, err := store.GetTask(context.Background(), h.db, task.ID)
	require.NoError(t, err)
	var args release.DeleteReleaseArgs
	require.NoError(t, json.Unmarshal([]byte(stored.Args), &args))
	assert.Equal(t, release.DeleteReleaseArgs{Name: "nginx", Version: "1.2", Force: true}, args)
}

func TestListOrphanDisks(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	d := storetest.Deployment(t, h.db, "smoke")
	inst := storetest.Instance(t, h.db, d, "web", 0, store.InstanceDetached)
	disk, err := store.CreatePersistentDisk(ctx, h.db, store.PersistentDisk{InstanceID: &inst.ID, DiskCID: "disk-1", Size: 2048})
	require.NoError(t, err)
	_, err = store.OrphanPersistentDisk(ctx, h.db, *disk, "z1", "smoke", inst.Name())
	require.NoError(t, err)

	rec := h.do(http.MethodGet, "/disks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	disks := decode[[]store.OrphanDisk](t, rec)
	require.Len(t, disks, 1)
	assert.Equal(t, "disk-1", disks[0].DiskCID)
	assert.Equal(t, 2048, disks[0].Size)
	assert.Equal(t, "smoke", disks[0].DeploymentName)
	assert.Equal(t, inst.Name(), disks[0].InstanceName)

	rec = h.do(http.MethodGet, "/disks?orphaned_before="+strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]store.OrphanDisk](t, rec))

	rec = h.do(http.MethodGet, "/disks?orphaned_before=last-week", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
