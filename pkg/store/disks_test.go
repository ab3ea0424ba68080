package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func seedInstance(t *testing.T, db *DB) (*Deployment, *Instance) {
	t.Helper()
	ctx := context.Background()
	d, created, err := FindOrCreateDeployment(ctx, db, "dep")
	require.NoError(t, err)
	require.True(t, created)
	inst, err := CreateInstance(ctx, db, Instance{DeploymentID: d.ID, Job: "db", Index: 0, State: InstanceStopped, VMCID: "vm-1", AgentID: "agent-1"})
	require.NoError(t, err)
	return d, inst
}

func TestOrphanAndUnorphanDisk(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, inst := seedInstance(t, db)

	disk, err := CreatePersistentDisk(ctx, db, PersistentDisk{InstanceID: &inst.ID, DiskCID: "disk-A", Size: 1024, Active: true})
	require.NoError(t, err)
	_, err = CreateSnapshot(ctx, db, disk.ID, "snap-1", true)
	require.NoError(t, err)

	active, err := ActiveManagedDisk(ctx, db, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "disk-A", active.DiskCID)

	var orphan *OrphanDisk
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		var err error
		orphan, err = OrphanPersistentDisk(ctx, tx, *disk, "z1", "dep", inst.Name())
		return err
	}))
	assert.Equal(t, "disk-A", orphan.DiskCID)
	assert.Equal(t, 1024, orphan.Size)

	_, err = GetPersistentDiskByCID(ctx, db, "disk-A")
	assert.ErrorIs(t, err, fleeterr.ErrNotFound)

	snaps, err := ListOrphanSnapshots(ctx, db, orphan.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap-1", snaps[0].SnapshotCID)
	assert.True(t, snaps[0].Clean)

	got, err := GetOrphanDisk(ctx, db, "disk-A")
	require.NoError(t, err)
	assert.Equal(t, "z1", got.AvailabilityZone)

	restored, err := UnorphanDisk(ctx, db, *got, inst.ID)
	require.NoError(t, err)
	assert.False(t, restored.Active)

	restoredSnaps, err := ListSnapshots(ctx, db, restored.ID)
	require.NoError(t, err)
	assert.Len(t, restoredSnaps, 1)

	_, err = GetOrphanDisk(ctx, db, "disk-A")
	assert.ErrorIs(t, err, fleeterr.ErrNotFound)
}

func TestListOrphanDisksByAge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, inst := seedInstance(t, db)

	for _, cid := range []string{"d1", "d2"} {
		disk, err := CreatePersistentDisk(ctx, db, PersistentDisk{InstanceID: &inst.ID, DiskCID: cid})
		require.NoError(t, err)
		_, err = OrphanPersistentDisk(ctx, db, *disk, "", "dep", inst.Name())
		require.NoError(t, err)
	}

	all, err := ListOrphanDisks(ctx, db, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := ListOrphanDisks(ctx, db, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindInstanceByIndexOrUUID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	d, inst := seedInstance(t, db)

	byIndex, err := FindInstance(ctx, db, d.ID, d.Name, "db", "0")
	require.NoError(t, err)
	assert.Equal(t, inst.UUID, byIndex.UUID)

	byUUID, err := FindInstance(ctx, db, d.ID, d.Name, "db", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byUUID.ID)

	_, err = FindInstance(ctx, db, d.ID, d.Name, "web", "0")
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeInstanceNotFound, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "Instance 'web/0' doesn't exist in deployment 'dep'")
}

func TestInstanceVMAndIgnore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, inst := seedInstance(t, db)

	require.NoError(t, ClearInstanceVM(ctx, db, inst.ID))
	require.NoError(t, SetInstanceIgnore(ctx, db, inst.ID, true))
	require.NoError(t, UpdateInstanceState(ctx, db, inst.ID, InstanceDetached))

	got, err := GetInstance(ctx, db, inst.ID)
	require.NoError(t, err)
	assert.False(t, got.HasVM())
	assert.True(t, got.Ignore)
	assert.Equal(t, InstanceDetached, got.State)
	assert.Equal(t, "db/"+inst.UUID, got.Name())
}

func TestOrphanedVMs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := CreateOrphanedVM(ctx, db, OrphanedVM{CID: "vm-x", DeploymentName: "dep"})
	require.NoError(t, err)

	vms, err := ListOrphanedVMs(ctx, db, time.Time{})
	require.NoError(t, err)
	require.Len(t, vms, 1)

	require.NoError(t, DeleteOrphanedVM(ctx, db, "vm-x"))
	vm, err := GetOrphanedVM(ctx, db, "vm-x")
	require.NoError(t, err)
	assert.Nil(t, vm)
}
