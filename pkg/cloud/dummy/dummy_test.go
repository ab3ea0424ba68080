package dummy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/cloud"
)

func TestDiskAttachment(t *testing.T) {
	ctx := context.Background()
	cpi := NewCPI()

	vm, err := cpi.CreateVM(ctx, cloud.VMRequest{AgentID: "a"})
	require.NoError(t, err)
	disk, err := cpi.CreateDisk(ctx, 1024, nil, vm)
	require.NoError(t, err)

	require.NoError(t, cpi.AttachDisk(ctx, vm, disk))
	attached, ok := cpi.DiskAttachment(disk)
	require.True(t, ok)
	assert.Equal(t, vm, attached)

	other, err := cpi.CreateVM(ctx, cloud.VMRequest{AgentID: "b"})
	require.NoError(t, err)
	assert.Error(t, cpi.AttachDisk(ctx, other, disk))
	assert.Error(t, cpi.DetachDisk(ctx, other, disk))

	require.NoError(t, cpi.DeleteVM(ctx, vm))
	attached, _ = cpi.DiskAttachment(disk)
	assert.Empty(t, attached)

	assert.True(t, cloud.IsNotFound(cpi.DeleteVM(ctx, vm)))
	assert.Equal(t, 2, cpi.Count("delete_vm"))
}

func TestAgentState(t *testing.T) {
	ctx := context.Background()
	agents := NewAgents()
	a := agents.ForAgent("agent-1")

	require.NoError(t, a.Apply(ctx, cloud.ApplySpec{ConfigurationHash: "abc"}))
	require.NoError(t, a.Start(ctx))
	st, err := a.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, cloud.JobStateRunning, st.JobState)
	assert.Equal(t, "abc", st.ConfigurationHash)

	agents.Errand = cloud.ErrandResult{ExitCode: 3, Stdout: "out"}
	res, err := a.RunErrand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	assert.Equal(t, []Call{
		{Method: "apply", Target: "agent-1"},
		{Method: "start", Target: "agent-1"},
		{Method: "get_state", Target: "agent-1"},
		{Method: "run_errand", Target: "agent-1"},
	}, agents.Calls())
}
