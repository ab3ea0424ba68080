package instance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/cloud/dummy"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/jobrunner/jobtest"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

type fixture struct {
	m      *Manager
	cpi    *dummy.CPI
	agents *dummy.Agents
	task   *jobrunner.Task
	db     *store.DB
	dep    *store.Deployment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	task, _ := jobtest.TaskWithDB(t, db)
	cpi := dummy.NewCPI()
	agents := dummy.NewAgents()
	return &fixture{
		m:      &Manager{CPI: cpi, Agents: agents},
		cpi:    cpi,
		agents: agents,
		task:   task,
		db:     db,
		dep:    storetest.Deployment(t, db, "dep"),
	}
}

// instance creates db/<index> with a live VM and a stored apply spec.
func (f *fixture) instance(t *testing.T, index int, state store.InstanceState) *store.Instance {
	t.Helper()
	inst := storetest.Instance(t, f.db, f.dep, "db", index, state)
	f.cpi.AddVM(inst.VMCID)
	spec := fmt.Sprintf(`{"deployment":"dep","job":"db","index":%d,"id":%q,"configuration_hash":"hash-1"}`, index, inst.UUID)
	require.NoError(t, store.UpdateInstanceSpec(context.Background(), f.db, inst.ID, spec, "hash-1", nil))
	inst.Spec = spec
	return inst
}

func (f *fixture) disk(t *testing.T, inst *store.Instance, cid string, attached bool) *store.PersistentDisk {
	t.Helper()
	vm := ""
	if attached {
		vm = inst.VMCID
	}
	f.cpi.AddDisk(cid, vm)
	d, err := store.CreatePersistentDisk(context.Background(), f.db, store.PersistentDisk{InstanceID: &inst.ID, DiskCID: cid, Size: 1024, Active: attached})
	require.NoError(t, err)
	return d
}

func (f *fixture) reload(t *testing.T, inst *store.Instance) *store.Instance {
	t.Helper()
	got, err := store.GetInstance(context.Background(), f.db, inst.ID)
	require.NoError(t, err)
	return got
}

func TestStartAppliesStoredSpec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStopped)

	require.NoError(t, f.m.Start(ctx, f.task, "dep", inst, StartOptions{}))

	agent := f.agents.Agent(inst.AgentID)
	require.NotNil(t, agent.Applied())
	assert.Equal(t, "hash-1", agent.Applied().ConfigurationHash)
	assert.Equal(t, cloud.JobStateRunning, agent.JobState())
	assert.Equal(t, store.InstanceStarted, f.reload(t, inst).State)

	events, err := store.ListEvents(ctx, f.db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "start", events[0].Action)
	assert.Equal(t, inst.Name(), events[0].Instance)
}

func TestStartGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ignored := f.instance(t, 0, store.InstanceStopped)
	ignored.Ignore = true
	err := f.m.Start(ctx, f.task, "dep", ignored, StartOptions{})
	assert.Equal(t, fleeterr.CodeJobInstanceIgnored, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "You need to unignore it first")

	errand := f.instance(t, 1, store.InstanceStopped)
	errand.Lifecycle = store.LifecycleErrand
	err = f.m.Start(ctx, f.task, "dep", errand, StartOptions{})
	assert.Equal(t, fleeterr.CodeJobInvalidLifecycle, fleeterr.CodeOf(err))
	assert.ErrorIs(t, err, fleeterr.ErrInvalidState)

	assert.Zero(t, f.agents.Count("apply"))
}

func TestStartFailsWhenJobsDoNotRun(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStopped)
	f.agents.FailOn("start", errors.New("monit failed"))

	err := f.m.Start(context.Background(), f.task, "dep", inst, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, store.InstanceStopped, f.reload(t, inst).State)
}

func TestSoftStopOfStoppedInstanceDoesNothing(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStopped)

	require.NoError(t, f.m.Stop(context.Background(), f.task, "dep", inst, StopOptions{}))
	assert.Empty(t, f.agents.Calls())

	events, err := store.ListEvents(context.Background(), f.db, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSoftStop(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)

	require.NoError(t, f.m.Stop(context.Background(), f.task, "dep", inst, StopOptions{}))

	var methods []string
	for _, c := range f.agents.Calls() {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"run_script:pre-stop", "drain", "stop", "run_script:post-stop"}, methods)
	got := f.reload(t, inst)
	assert.Equal(t, store.InstanceStopped, got.State)
	assert.True(t, got.HasVM())
}

func TestHardStopDetachesDisksAndDeletesVM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)
	vmCID := inst.VMCID
	disk := f.disk(t, inst, "disk-A", true)

	require.NoError(t, f.m.Stop(ctx, f.task, "dep", inst, StopOptions{Hard: true, TakeSnapshot: true}))

	got := f.reload(t, inst)
	assert.Equal(t, store.InstanceDetached, got.State)
	assert.False(t, got.HasVM())
	assert.False(t, f.cpi.VMExists(vmCID))

	vm, ok := f.cpi.DiskAttachment("disk-A")
	require.True(t, ok)
	assert.Empty(t, vm)
	assert.Equal(t, 1, f.agents.Count("unmount_disk"))

	snaps, err := store.ListSnapshots(ctx, f.db, disk.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Clean)
}

func TestHardStopWithUnresponsiveAgent(t *testing.T) {
	ctx := context.Background()
	unreachable := fmt.Errorf("no reply: %w", cloud.ErrUnresponsive)

	t.Run("fails unless tolerated", func(t *testing.T) {
		f := newFixture(t)
		inst := f.instance(t, 0, store.InstanceStarted)
		f.agents.FailOn("run_script:pre-stop", unreachable)

		err := f.m.Stop(ctx, f.task, "dep", inst, StopOptions{Hard: true})
		require.ErrorIs(t, err, cloud.ErrUnresponsive)
		assert.True(t, f.cpi.VMExists(inst.VMCID))
	})

	t.Run("skips agent steps and disk detach", func(t *testing.T) {
		f := newFixture(t)
		inst := f.instance(t, 0, store.InstanceStarted)
		vmCID := inst.VMCID
		f.disk(t, inst, "disk-A", true)
		f.agents.FailOn("run_script:pre-stop", unreachable)

		require.NoError(t, f.m.Stop(ctx, f.task, "dep", inst, StopOptions{Hard: true, IgnoreUnresponsiveAgent: true}))
		assert.Zero(t, f.agents.Count("unmount_disk"))
		assert.Zero(t, f.cpi.Count("detach_disk"))
		assert.False(t, f.cpi.VMExists(vmCID))
		assert.Equal(t, store.InstanceDetached, f.reload(t, inst).State)
	})
}

func TestRestartIsOneAuditedOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.instance(t, 0, store.InstanceStarted)

	require.NoError(t, f.m.Restart(ctx, f.task, "dep", inst, StopOptions{}, StartOptions{}))
	assert.Equal(t, 1, f.agents.Count("stop"))
	assert.Equal(t, 1, f.agents.Count("start"))

	events, err := store.ListEvents(ctx, f.db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "restart", e.Action)
	}
	require.NotNil(t, events[0].ParentID)
	assert.Equal(t, events[1].ID, *events[0].ParentID)
}

func TestCreateVMAttachesActiveDiskAndPublishesDNS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst, err := store.CreateInstance(ctx, f.db, store.Instance{DeploymentID: f.dep.ID, Job: "db", State: store.InstanceDetached, AvailabilityZone: "z1"})
	require.NoError(t, err)
	f.cpi.AddDisk("disk-A", "")
	_, err = store.CreatePersistentDisk(ctx, f.db, store.PersistentDisk{InstanceID: &inst.ID, DiskCID: "disk-A", Active: true})
	require.NoError(t, err)

	err = f.m.CreateVM(ctx, f.task, "dep", inst, VMSpec{
		StemcellCID: "sc-1",
		Networks:    map[string]cloud.NetworkSettings{"private": {Type: "manual", IP: "10.0.0.5"}},
	})
	require.NoError(t, err)

	got := f.reload(t, inst)
	require.True(t, got.HasVM())
	assert.Equal(t, "sc-1", got.StemcellCID)
	vm, _ := f.cpi.DiskAttachment("disk-A")
	assert.Equal(t, got.VMCID, vm)
	assert.True(t, f.agents.Agent(got.AgentID).Mounted("disk-A"))

	records, err := store.ListDNSRecords(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.5", records[0].IP)
	assert.Equal(t, "db", records[0].InstanceGroup)

	events, err := store.ListEvents(ctx, f.db, store.EventFilter{ObjectType: "vm"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, got.VMCID, events[0].ObjectName)

	err = f.m.CreateVM(ctx, f.task, "dep", got, VMSpec{})
	assert.ErrorIs(t, err, fleeterr.ErrInvalidState)
}

func TestDeleteVMJob(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown vm", func(t *testing.T) {
		f := newFixture(t)
		f.cpi.AddVM("vm-stray")
		_, err := f.m.DeleteVMJob(ctx, f.task, DeleteVMArgs{VMCID: "vm-stray"})
		require.NoError(t, err)
		assert.False(t, f.cpi.VMExists("vm-stray"))

		_, err = f.m.DeleteVMJob(ctx, f.task, DeleteVMArgs{VMCID: "vm-stray"})
		assert.NoError(t, err, "already deleted vms count as deleted")
	})

	t.Run("instance vm", func(t *testing.T) {
		f := newFixture(t)
		inst := f.instance(t, 0, store.InstanceStopped)
		f.disk(t, inst, "disk-A", true)

		_, err := f.m.DeleteVMJob(ctx, f.task, DeleteVMArgs{VMCID: inst.VMCID})
		require.NoError(t, err)
		got := f.reload(t, inst)
		assert.False(t, got.HasVM())
		assert.Equal(t, store.InstanceDetached, got.State)

		active, err := store.ActiveManagedDisk(ctx, f.db, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, active, "disk ownership is kept")
	})
}

func TestStopJobResolvesInstanceByIndex(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, 3, store.InstanceStarted)

	res, err := f.m.StopJob(context.Background(), f.task, StopArgs{InstanceArgs: InstanceArgs{Deployment: "dep", InstanceGroup: "db", ID: "3"}})
	require.NoError(t, err)
	assert.Equal(t, "Stopped '"+inst.Name()+"' in deployment 'dep'", res)

	_, err = f.m.StopJob(context.Background(), f.task, StopArgs{InstanceArgs: InstanceArgs{Deployment: "dep", InstanceGroup: "db", ID: "9"}})
	assert.Equal(t, fleeterr.CodeInstanceNotFound, fleeterr.CodeOf(err))
}
