package instance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

// Job types registered by this package.
const (
	TypeStart        = "start_instance"
	TypeStop         = "stop_instance"
	TypeRestart      = "restart_instance"
	TypeAttachDisk   = "attach_disk"
	TypeDeleteVM     = "delete_vm"
	TypeOrphanDisk   = "orphan_disk"
	TypeUnorphanDisk = "unorphan_disk"
)

// DefaultLockTimeout bounds how long instance jobs wait for the deployment lock.
const DefaultLockTimeout = 10 * time.Second

// InstanceArgs addresses "<group>/<id>" in a deployment; ID is a uuid or index.
type InstanceArgs struct {
	Deployment    string `json:"deployment_name" validate:"required"`
	InstanceGroup string `json:"instance_group" validate:"required"`
	ID            string `json:"instance_id" validate:"required"`
}

type StartArgs struct {
	InstanceArgs
	WatchTime time.Duration `json:"watch_time,omitempty"`
}

type StopArgs struct {
	InstanceArgs
	Hard               bool `json:"hard,omitempty"`
	SkipDrain          bool `json:"skip_drain,omitempty"`
	TakeSnapshot       bool `json:"take_snapshot,omitempty"`
	IgnoreUnresponsive bool `json:"ignore_unresponsive_agent,omitempty"`
}

type RestartArgs struct {
	InstanceArgs
	SkipDrain bool          `json:"skip_drain,omitempty"`
	WatchTime time.Duration `json:"watch_time,omitempty"`
}

// AttachDiskArgs names the disk to attach and, with disk_properties "copy",
// inherits the replaced disk's size and cloud properties.
type AttachDiskArgs struct {
	Deployment     string `json:"deployment_name" validate:"required"`
	InstanceGroup  string `json:"instance_group" validate:"required"`
	ID             string `json:"instance_id" validate:"required"`
	DiskCID        string `json:"disk_cid" validate:"required"`
	DiskProperties string `json:"disk_properties,omitempty" validate:"omitempty,oneof=copy"`
}

type DeleteVMArgs struct {
	VMCID string `json:"vm_cid" validate:"required"`
}

type OrphanDiskArgs struct {
	DiskCID string `json:"disk_cid" validate:"required"`
}

type UnorphanDiskArgs struct {
	InstanceArgs
	DiskCID string `json:"disk_cid" validate:"required"`
}

func (m *Manager) lockTimeout() time.Duration {
	if m.LockTimeout > 0 {
		return m.LockTimeout
	}
	return DefaultLockTimeout
}

func job(fn func(ctx context.Context, t *jobrunner.Task) (string, error)) (jobrunner.Job, error) {
	return jobrunner.JobFunc(fn), nil
}

// Register adds the instance jobs to r.
func Register(r *jobrunner.Registry, m *Manager) error {
	regs := []error{
		jobrunner.Register(r, TypeStart, jobrunner.QueueNormal, func(a StartArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.StartJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeStop, jobrunner.QueueNormal, func(a StopArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.StopJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeRestart, jobrunner.QueueNormal, func(a RestartArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.RestartJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeAttachDisk, jobrunner.QueueNormal, func(a AttachDiskArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.AttachDiskJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeDeleteVM, jobrunner.QueueNormal, func(a DeleteVMArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.DeleteVMJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeOrphanDisk, jobrunner.QueueNormal, func(a OrphanDiskArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.OrphanDiskJob(ctx, t, a) })
		}),
		jobrunner.Register(r, TypeUnorphanDisk, jobrunner.QueueNormal, func(a UnorphanDiskArgs) (jobrunner.Job, error) {
			return job(func(ctx context.Context, t *jobrunner.Task) (string, error) { return m.UnorphanDiskJob(ctx, t, a) })
		}),
	}
	for _, err := range regs {
		if err != nil {
			return err
		}
	}
	return nil
}

// withInstance runs fn on the addressed instance under the deployment lock.
func (m *Manager) withInstance(ctx context.Context, t *jobrunner.Task, a InstanceArgs, fn func(ctx context.Context, inst *store.Instance) error) error {
	return t.Locks.WithLock(ctx, lock.Deployment(a.Deployment), m.lockTimeout(), func(ctx context.Context) error {
		d, err := store.GetDeployment(ctx, t.DB, a.Deployment)
		if err != nil {
			return err
		}
		inst, err := store.FindInstance(ctx, t.DB, d.ID, d.Name, a.InstanceGroup, a.ID)
		if err != nil {
			return err
		}
		return fn(ctx, inst)
	})
}

// single runs fn as the only step of a one-step stage.
func single(t *jobrunner.Task, stage, task string, fn func() error) error {
	return t.Log.BeginStage(stage, 1).AdvanceAndTrack(task, fn)
}

func (m *Manager) StartJob(ctx context.Context, t *jobrunner.Task, a StartArgs) (string, error) {
	var name string
	err := m.withInstance(ctx, t, a.InstanceArgs, func(ctx context.Context, inst *store.Instance) error {
		name = inst.Name()
		return single(t, "Starting instance", name, func() error {
			return m.Start(ctx, t, a.Deployment, inst, StartOptions{WatchTime: a.WatchTime})
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Started '%s' in deployment '%s'", name, a.Deployment), nil
}

func (m *Manager) StopJob(ctx context.Context, t *jobrunner.Task, a StopArgs) (string, error) {
	var name string
	opts := StopOptions{
		Hard:                    a.Hard,
		SkipDrain:               a.SkipDrain,
		TakeSnapshot:            a.TakeSnapshot,
		IgnoreUnresponsiveAgent: a.IgnoreUnresponsive || m.IgnoreUnresponsiveAgents,
	}
	err := m.withInstance(ctx, t, a.InstanceArgs, func(ctx context.Context, inst *store.Instance) error {
		name = inst.Name()
		return single(t, "Stopping instance", name, func() error {
			return m.Stop(ctx, t, a.Deployment, inst, opts)
		})
	})
	if err != nil {
		return "", err
	}
	if a.Hard {
		return fmt.Sprintf("Stopped and detached '%s' in deployment '%s'", name, a.Deployment), nil
	}
	return fmt.Sprintf("Stopped '%s' in deployment '%s'", name, a.Deployment), nil
}

func (m *Manager) RestartJob(ctx context.Context, t *jobrunner.Task, a RestartArgs) (string, error) {
	var name string
	stop := StopOptions{SkipDrain: a.SkipDrain, IgnoreUnresponsiveAgent: m.IgnoreUnresponsiveAgents}
	err := m.withInstance(ctx, t, a.InstanceArgs, func(ctx context.Context, inst *store.Instance) error {
		name = inst.Name()
		return single(t, "Restarting instance", name, func() error {
			return m.Restart(ctx, t, a.Deployment, inst, stop, StartOptions{WatchTime: a.WatchTime})
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Restarted '%s' in deployment '%s'", name, a.Deployment), nil
}

func (m *Manager) AttachDiskJob(ctx context.Context, t *jobrunner.Task, a AttachDiskArgs) (string, error) {
	ref := InstanceArgs{Deployment: a.Deployment, InstanceGroup: a.InstanceGroup, ID: a.ID}
	err := t.Locks.WithLock(ctx, lock.Deployment(a.Deployment), m.lockTimeout(), func(ctx context.Context) error {
		inst, err := findForAttach(ctx, t.DB, ref)
		if err != nil {
			return err
		}
		return single(t, "Attaching disk", a.DiskCID+" to "+inst.Name(), func() error {
			return m.AttachDisk(ctx, t, a.Deployment, inst, a.DiskCID, a.DiskProperties)
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("attached disk '%s' to '%s/%s' in deployment '%s'", a.DiskCID, a.InstanceGroup, a.ID, a.Deployment), nil
}

// findForAttach reports every lookup miss with the attach-specific error.
func findForAttach(ctx context.Context, q store.Queryer, a InstanceArgs) (*store.Instance, error) {
	unknown := fleeterr.NotFound(fleeterr.CodeAttachDiskErrorUnknownInstance,
		"Instance '%s/%s' in deployment '%s' was not found", a.InstanceGroup, a.ID, a.Deployment)
	d, err := store.GetDeployment(ctx, q, a.Deployment)
	if fleeterr.IsNotFound(err) {
		return nil, unknown
	}
	if err != nil {
		return nil, err
	}
	inst, err := store.FindInstance(ctx, q, d.ID, d.Name, a.InstanceGroup, a.ID)
	if fleeterr.IsNotFound(err) {
		return nil, unknown
	}
	return inst, err
}

// DeleteVMJob deletes a VM by cid. An instance owning the VM is
// hard-stopped without touching its disks' ownership; an unknown VM is
// deleted directly.
func (m *Manager) DeleteVMJob(ctx context.Context, t *jobrunner.Task, a DeleteVMArgs) (string, error) {
	inst, err := store.FindInstanceByVMCID(ctx, t.DB, a.VMCID)
	if err != nil {
		return "", err
	}
	if inst == nil {
		e := eventlog.Entry{Action: "delete", ObjectType: "vm", ObjectName: a.VMCID}
		err := single(t, "Delete VM", a.VMCID, func() error {
			return t.Events.Track(ctx, e, func(ctx context.Context) error {
				if err := m.CPI.DeleteVM(ctx, a.VMCID); err != nil && !cloud.IsNotFound(err) {
					return err
				}
				return nil
			})
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("vm %s deleted", a.VMCID), nil
	}

	d, err := store.GetDeploymentByID(ctx, t.DB, inst.DeploymentID)
	if err != nil {
		return "", err
	}
	err = t.Locks.WithLock(ctx, lock.Deployment(d.Name), m.lockTimeout(), func(ctx context.Context) error {
		inst, err := store.GetInstance(ctx, t.DB, inst.ID)
		if err != nil {
			return err
		}
		if inst.VMCID != a.VMCID {
			return nil
		}
		return single(t, "Delete VM", a.VMCID, func() error {
			if err := m.detachDisks(ctx, t, inst); err != nil {
				t.Logger.Warn("failed to detach disks before deleting vm", zap.String("vm_cid", a.VMCID), zap.Error(err))
			}
			if err := m.DeleteVM(ctx, t, d.Name, inst); err != nil {
				return err
			}
			return store.UpdateInstanceState(ctx, t.DB, inst.ID, store.InstanceDetached)
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm %s deleted", a.VMCID), nil
}

func (m *Manager) OrphanDiskJob(ctx context.Context, t *jobrunner.Task, a OrphanDiskArgs) (string, error) {
	disk, err := store.GetPersistentDiskByCID(ctx, t.DB, a.DiskCID)
	if err != nil {
		return "", err
	}
	if disk.InstanceID == nil {
		return "", fleeterr.InvalidState(fleeterr.CodeInstanceGroupInvalidInstanceState, "Disk '%s' is already orphaned", a.DiskCID)
	}
	inst, err := store.GetInstance(ctx, t.DB, *disk.InstanceID)
	if err != nil {
		return "", err
	}
	d, err := store.GetDeploymentByID(ctx, t.DB, inst.DeploymentID)
	if err != nil {
		return "", err
	}
	err = t.Locks.WithLock(ctx, lock.Deployment(d.Name), m.lockTimeout(), func(ctx context.Context) error {
		disk, err := store.GetPersistentDiskByCID(ctx, t.DB, a.DiskCID)
		if err != nil {
			return err
		}
		inst, err := store.GetInstance(ctx, t.DB, inst.ID)
		if err != nil {
			return err
		}
		return single(t, "Orphan disk", a.DiskCID, func() error {
			return m.OrphanDisk(ctx, t, d.Name, inst, *disk)
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("disk %s orphaned", a.DiskCID), nil
}

func (m *Manager) UnorphanDiskJob(ctx context.Context, t *jobrunner.Task, a UnorphanDiskArgs) (string, error) {
	var name string
	err := m.withInstance(ctx, t, a.InstanceArgs, func(ctx context.Context, inst *store.Instance) error {
		name = inst.Name()
		return single(t, "Unorphan disk", a.DiskCID, func() error {
			_, err := m.UnorphanDisk(ctx, t, a.Deployment, inst, a.DiskCID)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("disk %s restored to '%s'", a.DiskCID, name), nil
}
