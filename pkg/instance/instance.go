// Package instance drives single-instance lifecycle transitions: creating
// and deleting VMs, starting, stopping and restarting jobs, and attaching
// or orphaning persistent disks.
//
// Manager methods expect the caller to hold the deployment lock. The jobs
// registered by Register acquire it themselves.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// DNSDomain is the domain local DNS records are published under.
const DNSDomain = "bosh"

// Manager performs instance transitions against the cloud and agents.
type Manager struct {
	CPI    cloud.CPI
	Agents cloud.Agents

	// LockTimeout bounds the wait for the deployment lock in jobs.
	LockTimeout time.Duration

	// IgnoreUnresponsiveAgents is the default for StopOptions.IgnoreUnresponsiveAgent
	// in stop, restart and delete jobs.
	IgnoreUnresponsiveAgents bool

	// PollInterval is the get_state interval while waiting for jobs to run.
	PollInterval time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func (m *Manager) pause(ctx context.Context, d time.Duration) error {
	if m.sleep != nil {
		return m.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) pollInterval() time.Duration {
	if m.PollInterval > 0 {
		return m.PollInterval
	}
	return time.Second
}

// VMSpec describes the VM to create for an instance.
type VMSpec struct {
	StemcellCID     string
	CloudProperties map[string]any
	Networks        map[string]cloud.NetworkSettings
	Env             map[string]any
}

// StartOptions controls Start.
type StartOptions struct {
	// Spec is applied to the agent. Nil reuses the instance's stored spec.
	Spec *cloud.ApplySpec

	// WatchTime is how long to wait for jobs to report running. Zero checks once.
	WatchTime time.Duration
}

// StopOptions controls Stop.
type StopOptions struct {
	// Hard also detaches disks and deletes the VM.
	Hard bool

	SkipDrain bool

	// TakeSnapshot snapshots the active disk once jobs are stopped.
	TakeSnapshot bool

	// IgnoreUnresponsiveAgent treats an unreachable agent as stopped
	// instead of failing.
	IgnoreUnresponsiveAgent bool
}

func entryFor(action, deployment string, inst *store.Instance) eventlog.Entry {
	return eventlog.Entry{
		Action:     action,
		ObjectType: "instance",
		ObjectName: inst.Name(),
		Deployment: deployment,
		Instance:   inst.Name(),
	}
}

func ensureNotIgnored(inst *store.Instance) error {
	if inst.Ignore {
		return fleeterr.InvalidState(fleeterr.CodeJobInstanceIgnored,
			"You are trying to change the state of the ignored instance '%s'. This operation is not allowed. You need to unignore it first.", inst.Name())
	}
	return nil
}

// CreateVM creates a VM for an instance without one, attaches its active
// disk and publishes its local DNS records.
func (m *Manager) CreateVM(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, spec VMSpec) error {
	if inst.HasVM() {
		return fleeterr.InvalidState(fleeterr.CodeInstanceGroupInvalidInstanceState,
			"Instance '%s' already has VM '%s'", inst.Name(), inst.VMCID)
	}
	disk, err := store.ActiveManagedDisk(ctx, t.DB, inst.ID)
	if err != nil {
		return err
	}

	entry := eventlog.Entry{Action: "create", ObjectType: "vm", Deployment: deployment, Instance: inst.Name()}
	begin, err := t.Events.Begin(ctx, entry)
	if err != nil {
		return err
	}
	cid, opErr := m.createVM(ctx, t, deployment, inst, spec, disk)
	entry.ObjectName = cid
	if _, err := t.Events.End(ctx, begin, entry, opErr); err != nil && opErr == nil {
		return err
	}
	return opErr
}

func (m *Manager) createVM(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, spec VMSpec, disk *store.PersistentDisk) (string, error) {
	agentID := uuid.NewString()
	req := cloud.VMRequest{
		AgentID:         agentID,
		StemcellCID:     spec.StemcellCID,
		CloudProperties: spec.CloudProperties,
		Networks:        spec.Networks,
		Env:             spec.Env,
	}
	if disk != nil {
		req.DiskCIDs = []string{disk.DiskCID}
	}
	cid, err := m.CPI.CreateVM(ctx, req)
	if err != nil {
		return "", err
	}

	err = t.DB.InTx(ctx, func(tx *store.Tx) error {
		if err := store.SetInstanceVM(ctx, tx, inst.ID, cid, agentID, spec.StemcellCID); err != nil {
			return err
		}
		return store.ReplaceInstanceDNSRecords(ctx, tx, inst.ID, dnsRecords(deployment, inst, agentID, spec.Networks))
	})
	if err != nil {
		if derr := m.CPI.DeleteVM(context.WithoutCancel(ctx), cid); derr != nil && !cloud.IsNotFound(derr) {
			t.Logger.Warn("failed to delete vm after save failure", zap.String("vm_cid", cid), zap.Error(derr))
		}
		return cid, err
	}
	inst.VMCID, inst.AgentID, inst.StemcellCID = cid, agentID, spec.StemcellCID

	if disk != nil {
		if err := m.CPI.AttachDisk(ctx, cid, disk.DiskCID); err != nil {
			return cid, err
		}
		if err := m.Agents.ForAgent(agentID).MountDisk(ctx, disk.DiskCID); err != nil {
			return cid, err
		}
	}
	t.Logger.Info("vm created", zap.String("instance", inst.Name()), zap.String("vm_cid", cid))
	return cid, nil
}

func dnsRecords(deployment string, inst *store.Instance, agentID string, networks map[string]cloud.NetworkSettings) []store.DNSRecord {
	var out []store.DNSRecord
	for name, n := range networks {
		if n.IP == "" {
			continue
		}
		out = append(out, store.DNSRecord{
			IP:            n.IP,
			AZ:            inst.AvailabilityZone,
			InstanceGroup: inst.Job,
			Network:       name,
			Deployment:    deployment,
			AgentID:       agentID,
			Domain:        DNSDomain,
		})
	}
	return out
}

// Start applies spec to the agent, runs the jobs and marks the instance started.
func (m *Manager) Start(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, opts StartOptions) error {
	if err := m.checkStart(inst); err != nil {
		return err
	}
	return t.Events.Track(ctx, entryFor("start", deployment, inst), func(ctx context.Context) error {
		return m.start(ctx, t, inst, opts)
	})
}

func (m *Manager) checkStart(inst *store.Instance) error {
	if err := ensureNotIgnored(inst); err != nil {
		return err
	}
	if inst.Lifecycle == store.LifecycleErrand {
		return fleeterr.InvalidState(fleeterr.CodeJobInvalidLifecycle,
			"Instance '%s' has 'errand' lifecycle and cannot be started", inst.Name())
	}
	return nil
}

func (m *Manager) start(ctx context.Context, t *jobrunner.Task, inst *store.Instance, opts StartOptions) error {
	if !inst.HasVM() {
		return fleeterr.InvalidState(fleeterr.CodeInstanceVMMissing, "Instance '%s' doesn't reference a VM", inst.Name())
	}
	spec := opts.Spec
	if spec == nil {
		if inst.Spec == "" {
			return fleeterr.InvalidState(fleeterr.CodeInstanceGroupInvalidInstanceState,
				"Instance '%s' has no rendered configuration", inst.Name())
		}
		spec = &cloud.ApplySpec{}
		if err := json.Unmarshal([]byte(inst.Spec), spec); err != nil {
			return fmt.Errorf("decode spec of %s: %w", inst.Name(), err)
		}
	}

	agent := m.Agents.ForAgent(inst.AgentID)
	if err := agent.Apply(ctx, *spec); err != nil {
		return err
	}
	if err := agent.RunScript(ctx, "pre-start"); err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return err
	}
	if err := m.waitForState(ctx, inst, agent, cloud.JobStateRunning, opts.WatchTime); err != nil {
		return err
	}
	if err := agent.RunScript(ctx, "post-start"); err != nil {
		return err
	}
	if err := store.UpdateInstanceState(ctx, t.DB, inst.ID, store.InstanceStarted); err != nil {
		return err
	}
	inst.State = store.InstanceStarted
	return nil
}

func (m *Manager) waitForState(ctx context.Context, inst *store.Instance, agent cloud.Agent, want string, watch time.Duration) error {
	deadline := time.Now().Add(watch)
	for {
		st, err := agent.GetState(ctx)
		if err != nil {
			return err
		}
		if st.JobState == want {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fleeterr.InvalidState(fleeterr.CodeAgentJobNotRunning,
				"'%s' is not running after update. Review logs for failed jobs", inst.Name())
		}
		if err := m.pause(ctx, m.pollInterval()); err != nil {
			return err
		}
	}
}

// Stop stops the instance's jobs. A soft stop of an instance that is not
// running does nothing; a hard stop also detaches its disks and deletes
// its VM, leaving it detached.
func (m *Manager) Stop(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, opts StopOptions) error {
	if err := ensureNotIgnored(inst); err != nil {
		return err
	}
	if !needsStop(inst, opts) {
		return nil
	}
	e := entryFor("stop", deployment, inst)
	e.Context = map[string]any{"hard": opts.Hard}
	return t.Events.Track(ctx, e, func(ctx context.Context) error {
		return m.stop(ctx, t, deployment, inst, opts)
	})
}

func needsStop(inst *store.Instance, opts StopOptions) bool {
	switch inst.State {
	case store.InstanceDetached:
		return opts.Hard && inst.HasVM()
	case store.InstanceStopped:
		return opts.Hard
	}
	return true
}

func (m *Manager) stop(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, opts StopOptions) error {
	unresponsive := false
	if inst.HasVM() && inst.State == store.InstanceStarted {
		err := m.stopJobs(ctx, inst, opts)
		if err != nil {
			if !opts.IgnoreUnresponsiveAgent || !cloud.IsUnresponsive(err) {
				return err
			}
			unresponsive = true
			t.Logger.Warn("agent unresponsive while stopping", zap.String("instance", inst.Name()), zap.Error(err))
			t.Log.Warn(fmt.Sprintf("Agent of '%s' is unresponsive, skipping agent steps", inst.Name()))
		}
	}

	if opts.TakeSnapshot && !unresponsive {
		if err := m.snapshot(ctx, t, deployment, inst); err != nil {
			return err
		}
	}

	if err := store.UpdateInstanceState(ctx, t.DB, inst.ID, store.InstanceStopped); err != nil {
		return err
	}
	inst.State = store.InstanceStopped

	if !opts.Hard {
		return nil
	}
	if inst.HasVM() {
		if !unresponsive {
			if err := m.detachDisks(ctx, t, inst); err != nil {
				return err
			}
		}
		if err := m.DeleteVM(ctx, t, deployment, inst); err != nil {
			return err
		}
	}
	if err := store.UpdateInstanceState(ctx, t.DB, inst.ID, store.InstanceDetached); err != nil {
		return err
	}
	inst.State = store.InstanceDetached
	return nil
}

// stopJobs runs pre-stop, drain, stop and post-stop on the agent.
func (m *Manager) stopJobs(ctx context.Context, inst *store.Instance, opts StopOptions) error {
	agent := m.Agents.ForAgent(inst.AgentID)
	if err := agent.RunScript(ctx, "pre-stop"); err != nil {
		return err
	}
	if !opts.SkipDrain {
		kind := "update"
		if opts.Hard {
			kind = "shutdown"
		}
		wait, err := agent.Drain(ctx, kind)
		if err != nil {
			return err
		}
		if wait < 0 {
			wait = -wait
		}
		if wait > 0 {
			if err := m.pause(ctx, time.Duration(wait)*time.Second); err != nil {
				return err
			}
		}
	}
	if err := agent.Stop(ctx); err != nil {
		return err
	}
	return agent.RunScript(ctx, "post-stop")
}

func (m *Manager) snapshot(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance) error {
	disk, err := store.ActiveManagedDisk(ctx, t.DB, inst.ID)
	if err != nil || disk == nil {
		return err
	}
	cid, err := m.CPI.SnapshotDisk(ctx, disk.DiskCID, map[string]string{
		"deployment":  deployment,
		"job":         inst.Job,
		"index":       strconv.Itoa(inst.Index),
		"instance_id": inst.UUID,
	})
	if err != nil {
		return err
	}
	_, err = store.CreateSnapshot(ctx, t.DB, disk.ID, cid, true)
	return err
}

func (m *Manager) detachDisks(ctx context.Context, t *jobrunner.Task, inst *store.Instance) error {
	disks, err := store.ListInstanceDisks(ctx, t.DB, inst.ID)
	if err != nil {
		return err
	}
	agent := m.Agents.ForAgent(inst.AgentID)
	for _, d := range disks {
		if !d.Active {
			continue
		}
		if err := agent.UnmountDisk(ctx, d.DiskCID); err != nil {
			return err
		}
		if err := m.CPI.DetachDisk(ctx, inst.VMCID, d.DiskCID); err != nil && !cloud.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// Restart stops then starts the instance as one audited operation.
func (m *Manager) Restart(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, stop StopOptions, start StartOptions) error {
	if err := m.checkStart(inst); err != nil {
		return err
	}
	stop.Hard = false
	return t.Events.Track(ctx, entryFor("restart", deployment, inst), func(ctx context.Context) error {
		if needsStop(inst, stop) {
			if err := m.stop(ctx, t, deployment, inst, stop); err != nil {
				return err
			}
		}
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
		return m.start(ctx, t, inst, start)
	})
}

// DeleteVM deletes the instance's VM. A VM the cloud no longer knows
// counts as deleted.
func (m *Manager) DeleteVM(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance) error {
	if !inst.HasVM() {
		return nil
	}
	cid := inst.VMCID
	entry := eventlog.Entry{Action: "delete", ObjectType: "vm", ObjectName: cid, Deployment: deployment, Instance: inst.Name()}
	return t.Events.Track(ctx, entry, func(ctx context.Context) error {
		if err := m.CPI.DeleteVM(ctx, cid); err != nil && !cloud.IsNotFound(err) {
			return err
		}
		if err := store.ClearInstanceVM(ctx, t.DB, inst.ID); err != nil {
			return err
		}
		inst.VMCID, inst.AgentID, inst.StemcellCID = "", "", ""
		return nil
	})
}
