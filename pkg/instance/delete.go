package instance

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// Delete hard-stops the instance, orphans its disks and removes it along
// with its IP reservations. Its local DNS records are tombstoned.
func (m *Manager) Delete(ctx context.Context, t *jobrunner.Task, deployment string, inst *store.Instance, opts StopOptions) error {
	if err := ensureNotIgnored(inst); err != nil {
		return err
	}
	opts.Hard = true
	var orphaned []string
	err := t.Events.Track(ctx, entryFor("delete", deployment, inst), func(ctx context.Context) error {
		if needsStop(inst, opts) {
			if err := m.stop(ctx, t, deployment, inst, opts); err != nil {
				return err
			}
		}
		return t.DB.InTx(ctx, func(tx *store.Tx) error {
			disks, err := store.ListInstanceDisks(ctx, tx, inst.ID)
			if err != nil {
				return err
			}
			for _, d := range disks {
				if _, err := store.OrphanPersistentDisk(ctx, tx, d, inst.AvailabilityZone, deployment, inst.Name()); err != nil {
					return err
				}
				orphaned = append(orphaned, d.DiskCID)
			}
			if err := store.ReleaseInstanceIPs(ctx, tx, inst.ID); err != nil {
				return err
			}
			if err := store.TombstoneInstanceDNSRecords(ctx, tx, inst.ID); err != nil {
				return err
			}
			return store.DeleteInstance(ctx, tx, inst.ID)
		})
	})
	if err != nil {
		return err
	}
	for _, cid := range orphaned {
		m.recordOrphan(ctx, t, deployment, inst.Name(), cid)
	}
	t.Logger.Info("instance deleted", zap.String("instance", inst.Name()), zap.Int("orphaned_disks", len(orphaned)))
	return nil
}

// recordEvent writes a standalone audit event and only logs a failure.
func recordEvent(ctx context.Context, t *jobrunner.Task, e eventlog.Entry, opErr error) {
	if _, err := t.Events.Record(ctx, e, opErr); err != nil {
		t.Logger.Warn("failed to record event", zap.String("action", e.Action), zap.String("object", e.ObjectName), zap.Error(err))
	}
}
