package cleanup

import (
	"context"
	"errors"
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

// cutoff turns a max age into a created-before bound. Zero selects every
// orphan.
func (c *Collector) cutoff(maxAge time.Duration) time.Time {
	if maxAge <= 0 {
		return time.Time{}
	}
	return c.now().Add(-maxAge)
}

// OrphanedVMsJob deletes VMs orphaned longer than MaxAge.
func (c *Collector) OrphanedVMsJob(ctx context.Context, t *jobrunner.Task, a AgeArgs) (string, error) {
	deleted, failed, err := c.DeleteOrphanedVMs(ctx, t, c.cutoff(a.MaxAge))
	if err != nil {
		return "", err
	}
	if failed > 0 {
		return fmt.Sprintf("Deleted %d orphaned vm(s), %d left for the next run", deleted, failed), nil
	}
	return fmt.Sprintf("Deleted %d orphaned vm(s)", deleted), nil
}

// DeleteOrphanedVMs deletes orphaned VMs recorded before cutoff. A VM the
// CPI no longer knows is dropped from the store; any other failure is
// logged and the row stays for the next sweep, so failures are counted
// rather than returned.
func (c *Collector) DeleteOrphanedVMs(ctx context.Context, t *jobrunner.Task, cutoff time.Time) (deleted, failed int, err error) {
	vms, err := store.ListOrphanedVMs(ctx, t.DB, cutoff)
	if err != nil {
		return 0, 0, err
	}
	deleted, serr := sweep(ctx, t, c.MaxThreads, "Deleting orphaned vms", "vm", vms,
		func(vm store.OrphanedVM) string { return vm.CID },
		func(ctx context.Context, vm store.OrphanedVM) error { return c.deleteOrphanedVM(ctx, t, vm.CID) })
	if fleeterr.IsCancelled(serr) {
		return deleted, 0, fleeterr.Cancelled(t.ID)
	}
	if serr != nil {
		var m *fleeterr.Multi
		if errors.As(serr, &m) {
			failed = len(m.Errors)
		}
	}
	return deleted, failed, nil
}

func (c *Collector) deleteOrphanedVM(ctx context.Context, t *jobrunner.Task, cid string) error {
	return t.Locks.WithLock(ctx, lock.OrphanVMCleanup(cid), orphanVMLockTimeout, func(ctx context.Context) error {
		vm, err := store.GetOrphanedVM(ctx, t.DB, cid)
		if err != nil {
			return err
		}
		if vm == nil {
			// another sweep got there first
			return errSkipped
		}
		entry := eventlog.Entry{Action: "delete", ObjectType: "vm", ObjectName: cid, Deployment: vm.DeploymentName, Instance: vm.InstanceName}
		return t.Events.Track(ctx, entry, func(ctx context.Context) error {
			if err := c.CPI.DeleteVM(ctx, cid); err != nil {
				if !cloud.IsNotFound(err) {
					return err
				}
				t.Logger.Info("orphaned vm already gone", zap.String("vm_cid", cid))
			}
			return store.DeleteOrphanedVM(ctx, t.DB, cid)
		})
	})
}

// OrphanDisksJob deletes orphan disks older than MaxAge.
func (c *Collector) OrphanDisksJob(ctx context.Context, t *jobrunner.Task, a AgeArgs) (string, error) {
	disks, err := store.ListOrphanDisks(ctx, t.DB, c.cutoff(a.MaxAge))
	if err != nil {
		return "", err
	}
	deleted, err := c.DeleteOrphanDisks(ctx, t, disks)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %d orphaned disk(s)", deleted), nil
}

// DeleteOrphanDisksJob deletes the named orphan disks. Unknown cids are
// skipped.
func (c *Collector) DeleteOrphanDisksJob(ctx context.Context, t *jobrunner.Task, a DeleteOrphanDisksArgs) (string, error) {
	var disks []store.OrphanDisk
	for _, cid := range a.DiskCIDs {
		d, err := store.GetOrphanDisk(ctx, t.DB, cid)
		if fleeterr.IsNotFound(err) {
			t.Logger.Info("orphan disk not found, skipping", zap.String("disk_cid", cid))
			t.Log.Warn(fmt.Sprintf("Disk %s does not exist. Orphaned disk deletion skipped.", cid))
			continue
		}
		if err != nil {
			return "", err
		}
		disks = append(disks, *d)
	}
	deleted, err := c.DeleteOrphanDisks(ctx, t, disks)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %d orphaned disk(s)", deleted), nil
}

// DeleteOrphanDisks deletes disks together with their snapshots, in the
// cloud first and then in the store.
func (c *Collector) DeleteOrphanDisks(ctx context.Context, t *jobrunner.Task, disks []store.OrphanDisk) (int, error) {
	return sweep(ctx, t, c.MaxThreads, "Deleting orphaned disks", "disk", disks,
		func(d store.OrphanDisk) string { return d.DiskCID },
		func(ctx context.Context, d store.OrphanDisk) error { return c.deleteOrphanDisk(ctx, t, d) })
}

func (c *Collector) deleteOrphanDisk(ctx context.Context, t *jobrunner.Task, d store.OrphanDisk) error {
	entry := eventlog.Entry{Action: "delete", ObjectType: "disk", ObjectName: d.DiskCID, Deployment: d.DeploymentName, Instance: d.InstanceName}
	return t.Events.Track(ctx, entry, func(ctx context.Context) error {
		snapshots, err := store.ListOrphanSnapshots(ctx, t.DB, d.ID)
		if err != nil {
			return err
		}
		for _, s := range snapshots {
			if err := c.CPI.DeleteSnapshot(ctx, s.SnapshotCID); err != nil && !cloud.IsNotFound(err) {
				return err
			}
			if err := store.DeleteOrphanSnapshot(ctx, t.DB, s.ID); err != nil {
				return err
			}
		}
		if err := c.CPI.DeleteDisk(ctx, d.DiskCID); err != nil {
			if !cloud.IsNotFound(err) {
				return err
			}
			t.Logger.Info("orphan disk already gone", zap.String("disk_cid", d.DiskCID))
		}
		return store.DeleteOrphanDisk(ctx, t.DB, d.ID)
	})
}

// OrphanNetworksJob deletes networks orphaned longer than MaxAge.
func (c *Collector) OrphanNetworksJob(ctx context.Context, t *jobrunner.Task, a AgeArgs) (string, error) {
	deleted, err := c.DeleteOrphanNetworks(ctx, t, c.cutoff(a.MaxAge))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %d orphaned network(s)", deleted), nil
}

// DeleteOrphanNetworks deletes networks orphaned before cutoff, each under
// its network lock.
func (c *Collector) DeleteOrphanNetworks(ctx context.Context, t *jobrunner.Task, cutoff time.Time) (int, error) {
	networks, err := store.ListOrphanedNetworks(ctx, t.DB, cutoff)
	if err != nil {
		return 0, err
	}
	return sweep(ctx, t, c.MaxThreads, "Deleting orphaned networks", "network", networks,
		func(n store.Network) string { return n.Name },
		func(ctx context.Context, n store.Network) error {
			return t.Locks.WithLock(ctx, lock.Network(n.Name), c.lockTimeout(), func(ctx context.Context) error {
				entry := eventlog.Entry{Action: "delete", ObjectType: "network", ObjectName: n.Name}
				return t.Events.Track(ctx, entry, func(ctx context.Context) error {
					return store.DeleteNetwork(ctx, t.DB, n.ID)
				})
			})
		})
}
