package instance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/store"
)

func TestDeleteOrphansDisksAndReleasesAddresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)
	f.disk(t, inst, "disk-1", true)
	_, err := store.ReserveIP(ctx, f.db, store.IPAddress{DeploymentID: f.dep.ID, InstanceID: &inst.ID, NetworkName: "private", Address: "10.0.0.5"})
	require.NoError(t, err)

	vmCID := inst.VMCID

	require.NoError(t, f.m.Delete(ctx, f.task, "dep", inst, StopOptions{}))

	_, err = store.GetInstance(ctx, f.db, inst.ID)
	assert.True(t, fleeterr.IsNotFound(err))
	assert.False(t, f.cpi.VMExists(vmCID))
	assert.Equal(t, 1, f.agents.Count("drain"))

	orphan, err := store.GetOrphanDisk(ctx, f.db, "disk-1")
	require.NoError(t, err)
	assert.Equal(t, "dep", orphan.DeploymentName)
	assert.Equal(t, inst.Name(), orphan.InstanceName)

	ips, err := store.ListDeploymentIPs(ctx, f.db, f.dep.ID)
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestDeleteDetachedInstanceSkipsAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceDetached)
	require.NoError(t, store.ClearInstanceVM(ctx, f.db, inst.ID))
	inst = f.reload(t, inst)

	require.NoError(t, f.m.Delete(ctx, f.task, "dep", inst, StopOptions{}))
	assert.Empty(t, f.agents.Calls())
	assert.Zero(t, f.cpi.Count("delete_vm"))

	_, err := store.GetInstance(ctx, f.db, inst.ID)
	assert.True(t, fleeterr.IsNotFound(err))
}

func TestDeleteWithUnresponsiveAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)
	f.disk(t, inst, "disk-1", true)
	f.agents.FailOn("run_script:pre-stop", fmt.Errorf("no reply: %w", cloud.ErrUnresponsive))

	err := f.m.Delete(ctx, f.task, "dep", inst, StopOptions{})
	require.ErrorIs(t, err, cloud.ErrUnresponsive)
	assert.True(t, f.cpi.VMExists(inst.VMCID))

	vmCID := inst.VMCID
	require.NoError(t, f.m.Delete(ctx, f.task, "dep", inst, StopOptions{IgnoreUnresponsiveAgent: true}))
	assert.False(t, f.cpi.VMExists(vmCID))
	_, err = store.GetOrphanDisk(ctx, f.db, "disk-1")
	require.NoError(t, err)
}

func TestDeleteRefusesIgnoredInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)
	inst.Ignore = true

	err := f.m.Delete(ctx, f.task, "dep", inst, StopOptions{})
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindInvalidState, fleeterr.KindOf(err))
	assert.True(t, f.cpi.VMExists(inst.VMCID))
}

func TestUpdateDiskCreatesAndResizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStopped)

	require.NoError(t, f.m.UpdateDisk(ctx, f.task, "dep", inst, &DiskSpec{Size: 1024}))
	first, err := store.ActiveManagedDisk(ctx, f.db, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1024, first.Size)
	vm, ok := f.cpi.DiskAttachment(first.DiskCID)
	require.True(t, ok)
	assert.Equal(t, inst.VMCID, vm)
	assert.True(t, f.agents.Agent(inst.AgentID).Mounted(first.DiskCID))

	require.NoError(t, f.m.UpdateDisk(ctx, f.task, "dep", inst, &DiskSpec{Size: 1024}))
	assert.Equal(t, 1, f.cpi.Count("create_disk"), "same size is a no-op")

	require.NoError(t, f.m.UpdateDisk(ctx, f.task, "dep", inst, &DiskSpec{Size: 2048, CloudProperties: map[string]any{"type": "ssd"}}))
	second, err := store.ActiveManagedDisk(ctx, f.db, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2048, second.Size)
	assert.JSONEq(t, `{"type":"ssd"}`, second.CloudProperties)
	assert.False(t, f.agents.Agent(inst.AgentID).Mounted(first.DiskCID))

	orphan, err := store.GetOrphanDisk(ctx, f.db, first.DiskCID)
	require.NoError(t, err)
	assert.Equal(t, 1024, orphan.Size)
}

func TestUpdateDiskRemovesDisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStopped)
	f.disk(t, inst, "disk-1", true)

	require.NoError(t, f.m.UpdateDisk(ctx, f.task, "dep", inst, nil))
	active, err := store.ActiveManagedDisk(ctx, f.db, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
	_, err = store.GetOrphanDisk(ctx, f.db, "disk-1")
	require.NoError(t, err)

	require.NoError(t, f.m.UpdateDisk(ctx, f.task, "dep", inst, nil), "no disk wanted and none held")
}
