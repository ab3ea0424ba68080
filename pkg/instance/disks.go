package instance

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// DiskPropertiesCopy makes an attached disk inherit the size and cloud
// properties of the disk it replaces.
const DiskPropertiesCopy = "copy"

// AttachDisk makes diskCID the instance's active managed disk. The previous
// active disk is orphaned. diskCID may name an orphan disk, an inactive
// disk of the instance, or a disk the director has never seen; an unknown
// disk is recorded with size 1 so the next deploy migrates it to the
// desired size. The instance must be stopped or detached.
//
// Cloud and agent calls run before the transaction so a retried
// transaction never repeats them. When the swap or the transaction fails
// the previous disk is put back on the VM.
func (m *Manager) AttachDisk(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, diskCID, diskProperties string) error {
	if inst.Ignore {
		return fleeterr.InvalidState(fleeterr.CodeAttachDiskInvalidInstanceState,
			"Instance '%s/%s' in deployment '%s' is in 'ignore' state. Attaching disks to ignored instances is not allowed.",
			inst.Job, inst.UUID, deployment)
	}
	if inst.State != store.InstanceStopped && inst.State != store.InstanceDetached {
		return fleeterr.InvalidState(fleeterr.CodeAttachDiskInvalidInstanceState,
			"Instance '%s/%s' in deployment '%s' must be in 'bosh stopped' state", inst.Job, inst.UUID, deployment)
	}
	onVM := inst.State == store.InstanceStopped && inst.HasVM()

	var orphaned *store.OrphanDisk
	entry := eventlog.Entry{Action: "attach", ObjectType: "disk", ObjectName: diskCID, Deployment: deployment, Instance: inst.Name()}
	err := t.Events.Track(ctx, entry, func(ctx context.Context) error {
		previous, err := store.ActiveManagedDisk(ctx, t.DB, inst.ID)
		if err != nil {
			return err
		}
		if previous != nil && previous.DiskCID == diskCID {
			return nil
		}
		if err := checkClaim(ctx, t.DB, inst, diskCID); err != nil {
			return err
		}

		var sw *diskSwap
		if onVM {
			sw = &diskSwap{m: m, t: t, inst: inst, next: diskCID}
			if previous != nil {
				sw.previous = previous.DiskCID
			}
			if err := sw.run(ctx); err != nil {
				sw.undo(ctx)
				return err
			}
		}

		err = t.DB.InTx(ctx, func(tx *store.Tx) error {
			orphaned = nil
			disk, err := m.claimDisk(ctx, tx, inst, diskCID, diskProperties, previous)
			if err != nil {
				return err
			}
			if previous != nil {
				if orphaned, err = store.OrphanPersistentDisk(ctx, tx, *previous, inst.AvailabilityZone, deployment, inst.Name()); err != nil {
					return err
				}
			}
			return store.SetDiskActive(ctx, tx, disk.ID, true)
		})
		if err != nil {
			orphaned = nil
			if sw != nil {
				sw.undo(ctx)
			}
		}
		return err
	})
	if orphaned != nil {
		m.recordOrphan(ctx, t, deployment, inst.Name(), orphaned.DiskCID)
	}
	return err
}

// diskSwap moves a VM from its previous disk to the next one and can put
// the previous disk back.
type diskSwap struct {
	m        *Manager
	t        *jobrunner.Task
	inst     *store.Instance
	previous string
	next     string

	detached bool
	attached bool
}

func (s *diskSwap) run(ctx context.Context) error {
	agent := s.m.Agents.ForAgent(s.inst.AgentID)
	if s.previous != "" {
		if err := agent.UnmountDisk(ctx, s.previous); err != nil {
			return err
		}
		if err := s.m.CPI.DetachDisk(ctx, s.inst.VMCID, s.previous); err != nil && !cloud.IsNotFound(err) {
			return err
		}
		s.detached = true
	}
	if err := s.m.CPI.AttachDisk(ctx, s.inst.VMCID, s.next); err != nil {
		return err
	}
	s.attached = true
	return agent.MountDisk(ctx, s.next)
}

// undo is best effort; failures are logged.
func (s *diskSwap) undo(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	agent := s.m.Agents.ForAgent(s.inst.AgentID)
	warn := func(msg, cid string, err error) {
		s.t.Logger.Warn(msg, zap.String("instance", s.inst.Name()), zap.String("disk_cid", cid), zap.Error(err))
	}
	if s.attached {
		if err := agent.UnmountDisk(ctx, s.next); err != nil {
			warn("failed to unmount disk while restoring previous disk", s.next, err)
		}
		if err := s.m.CPI.DetachDisk(ctx, s.inst.VMCID, s.next); err != nil && !cloud.IsNotFound(err) {
			warn("failed to detach disk while restoring previous disk", s.next, err)
		}
	}
	if s.detached {
		if err := s.m.CPI.AttachDisk(ctx, s.inst.VMCID, s.previous); err != nil {
			warn("failed to reattach previous disk", s.previous, err)
			return
		}
		if err := agent.MountDisk(ctx, s.previous); err != nil {
			warn("failed to remount previous disk", s.previous, err)
		}
	}
}

// checkClaim fails when diskCID is a managed disk of another instance.
func checkClaim(ctx context.Context, q store.Queryer, inst *store.Instance, diskCID string) error {
	existing, err := store.GetPersistentDiskByCID(ctx, q, diskCID)
	switch {
	case err == nil:
		if existing.InstanceID == nil || *existing.InstanceID != inst.ID {
			return fleeterr.InvalidState(fleeterr.CodeAttachDiskInvalidInstanceState,
				"Disk '%s' belongs to another instance", diskCID)
		}
		return nil
	case fleeterr.IsNotFound(err):
		return nil
	}
	return err
}

// claimDisk finds or creates the persistent disk record for diskCID on inst.
func (m *Manager) claimDisk(ctx context.Context, tx *store.Tx, inst *store.Instance, diskCID, diskProperties string, previous *store.PersistentDisk) (*store.PersistentDisk, error) {
	if err := checkClaim(ctx, tx, inst, diskCID); err != nil {
		return nil, err
	}
	if existing, err := store.GetPersistentDiskByCID(ctx, tx, diskCID); err == nil {
		return existing, nil
	}

	orphan, err := store.GetOrphanDisk(ctx, tx, diskCID)
	switch {
	case err == nil:
		return store.UnorphanDisk(ctx, tx, *orphan, inst.ID)
	case !fleeterr.IsNotFound(err):
		return nil, err
	}

	disk := store.PersistentDisk{InstanceID: &inst.ID, DiskCID: diskCID, Size: 1}
	if diskProperties == DiskPropertiesCopy && previous != nil {
		disk.Size = previous.Size
		disk.CloudProperties = previous.CloudProperties
	}
	return store.CreatePersistentDisk(ctx, tx, disk)
}

func (m *Manager) recordOrphan(ctx context.Context, t *jobrunner.Task, deployment, instance, diskCID string) {
	recordEvent(ctx, t, eventlog.Entry{Action: "orphan", ObjectType: "disk", ObjectName: diskCID, Deployment: deployment, Instance: instance}, nil)
}

// DiskSpec is the managed disk an instance group asks for.
type DiskSpec struct {
	Size            int
	CloudProperties map[string]any
}

// UpdateDisk converges the instance's managed disk to want. A missing disk
// is created; a disk of another size or cloud properties is replaced by a
// new one and orphaned; a nil want orphans the current disk.
func (m *Manager) UpdateDisk(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, want *DiskSpec) error {
	active, err := store.ActiveManagedDisk(ctx, t.DB, inst.ID)
	if err != nil {
		return err
	}
	if want == nil {
		if active == nil {
			return nil
		}
		return m.OrphanDisk(ctx, t, deployment, inst, *active)
	}

	props, err := encodeProperties(want.CloudProperties)
	if err != nil {
		return err
	}
	if active != nil && active.Size == want.Size && active.CloudProperties == props {
		return nil
	}

	e := eventlog.Entry{Action: "create", ObjectType: "disk", Deployment: deployment, Instance: inst.Name()}
	begin, err := t.Events.Begin(ctx, e)
	if err != nil {
		return err
	}
	cid, opErr := m.CPI.CreateDisk(ctx, want.Size, want.CloudProperties, inst.VMCID)
	e.ObjectName = cid
	if _, err := t.Events.End(ctx, begin, e, opErr); err != nil && opErr == nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	// The new disk is attached next to the old one before the old one goes.
	agent := m.Agents.ForAgent(inst.AgentID)
	attached, detachedOld := false, false
	err = func() error {
		if !inst.HasVM() {
			return nil
		}
		if err := m.CPI.AttachDisk(ctx, inst.VMCID, cid); err != nil {
			return err
		}
		attached = true
		if err := agent.MountDisk(ctx, cid); err != nil {
			return err
		}
		if active == nil {
			return nil
		}
		if err := agent.UnmountDisk(ctx, active.DiskCID); err != nil {
			return err
		}
		if err := m.CPI.DetachDisk(ctx, inst.VMCID, active.DiskCID); err != nil && !cloud.IsNotFound(err) {
			return err
		}
		detachedOld = true
		return nil
	}()

	var orphaned *store.OrphanDisk
	if err == nil {
		err = t.DB.InTx(ctx, func(tx *store.Tx) error {
			orphaned = nil
			disk, err := store.CreatePersistentDisk(ctx, tx, store.PersistentDisk{
				InstanceID:      &inst.ID,
				DiskCID:         cid,
				Size:            want.Size,
				CloudProperties: props,
			})
			if err != nil {
				return err
			}
			if active != nil {
				if orphaned, err = store.OrphanPersistentDisk(ctx, tx, *active, inst.AvailabilityZone, deployment, inst.Name()); err != nil {
					return err
				}
			}
			return store.SetDiskActive(ctx, tx, disk.ID, true)
		})
	}
	if err != nil {
		sw := &diskSwap{m: m, t: t, inst: inst, next: cid, attached: attached, detached: detachedOld}
		if active != nil {
			sw.previous = active.DiskCID
		}
		sw.undo(ctx)
		if derr := m.CPI.DeleteDisk(context.WithoutCancel(ctx), cid); derr != nil && !cloud.IsNotFound(derr) {
			t.Logger.Warn("failed to delete disk after update failure", zap.String("disk_cid", cid), zap.Error(derr))
		}
		return err
	}
	if orphaned != nil {
		m.recordOrphan(ctx, t, deployment, inst.Name(), orphaned.DiskCID)
	}
	return nil
}

func encodeProperties(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode disk cloud properties: %w", err)
	}
	return string(b), nil
}

// OrphanDisk detaches a disk from its instance and keeps it as an orphan.
// A disk attached to a running instance is refused.
func (m *Manager) OrphanDisk(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, disk store.PersistentDisk) error {
	if err := ensureNotIgnored(inst); err != nil {
		return err
	}
	if disk.Active && inst.State == store.InstanceStarted {
		return fleeterr.InvalidState(fleeterr.CodeInstanceGroupInvalidInstanceState,
			"Disk '%s' is attached to running instance '%s'; stop the instance first", disk.DiskCID, inst.Name())
	}
	e := eventlog.Entry{Action: "orphan", ObjectType: "disk", ObjectName: disk.DiskCID, Deployment: deployment, Instance: inst.Name()}
	return t.Events.Track(ctx, e, func(ctx context.Context) error {
		if disk.Active && inst.HasVM() {
			if err := m.Agents.ForAgent(inst.AgentID).UnmountDisk(ctx, disk.DiskCID); err != nil && !cloud.IsUnresponsive(err) {
				return err
			}
			if err := m.CPI.DetachDisk(ctx, inst.VMCID, disk.DiskCID); err != nil && !cloud.IsNotFound(err) {
				return err
			}
		}
		return t.DB.InTx(ctx, func(tx *store.Tx) error {
			_, err := store.OrphanPersistentDisk(ctx, tx, disk, inst.AvailabilityZone, deployment, inst.Name())
			return err
		})
	})
}

// UnorphanDisk hands an orphan disk back to an instance as an inactive
// disk. AttachDisk activates it.
func (m *Manager) UnorphanDisk(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, diskCID string) (*store.PersistentDisk, error) {
	if err := ensureNotIgnored(inst); err != nil {
		return nil, err
	}
	var disk *store.PersistentDisk
	e := eventlog.Entry{Action: "unorphan", ObjectType: "disk", ObjectName: diskCID, Deployment: deployment, Instance: inst.Name()}
	err := t.Events.Track(ctx, e, func(ctx context.Context) error {
		return t.DB.InTx(ctx, func(tx *store.Tx) error {
			orphan, err := store.GetOrphanDisk(ctx, tx, diskCID)
			if err != nil {
				return err
			}
			disk, err = store.UnorphanDisk(ctx, tx, *orphan, inst.ID)
			return err
		})
	})
	return disk, err
}
