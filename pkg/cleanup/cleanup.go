// Package cleanup reclaims resources the director no longer needs:
// orphaned VMs, disks and networks, unused releases and stemcells,
// compiled packages nothing can use, exported release blobs, stale
// local DNS blobs and old tasks.
//
// Every sweep is idempotent and may be re-run at any time. Items of one
// kind are deleted in parallel through a bounded worker pool. A failed item
// is recorded and the sweep carries on; the failures are reported together
// once every candidate was tried.
package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/telemetry"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// Job types registered by this package.
const (
	TypeCleanupArtifacts  = "cleanup_artifacts"
	TypeDeleteOrphanDisks = "delete_orphan_disks"
	TypeOrphanedVMs       = "scheduled_orphaned_vm_cleanup"
	TypeOrphanDisks       = "scheduled_orphaned_disk_cleanup"
	TypeOrphanNetworks    = "scheduled_orphaned_network_cleanup"
	TypeDNSBlobs          = "scheduled_dns_blobs_cleanup"
	TypeTasks             = "scheduled_task_cleanup"
)

// Retention defaults.
const (
	DefaultKeepVersions = 2
	DefaultDNSBlobAge   = time.Hour
	DefaultDNSBlobsKept = 10
	DefaultLockTimeout  = 10 * time.Second

	orphanVMLockTimeout = 5 * time.Second
)

// Collector holds what cleanup jobs need.
type Collector struct {
	CPI      cloud.CPI
	Blobs    blobstore.Blobstore
	Releases *release.Service

	LockTimeout time.Duration
	MaxThreads  int

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// ArtifactsArgs are the arguments of cleanup_artifacts. RemoveAll drops
// every unused release and stemcell version, orphan disks and compiled
// packages whose stemcell is gone.
type ArtifactsArgs struct {
	RemoveAll bool `json:"remove_all,omitempty"`
}

// AgeArgs select orphans older than MaxAge.
type AgeArgs struct {
	MaxAge time.Duration `json:"max_orphaned_age" validate:"gte=0"`
}

// DNSBlobsArgs keep at least Keep DNS blobs and delete the rest once they
// are older than MaxAge.
type DNSBlobsArgs struct {
	MaxAge time.Duration `json:"max_blob_age" validate:"gte=0"`
	Keep   int           `json:"num_dns_blobs_to_keep" validate:"gte=0"`
}

// DeleteOrphanDisksArgs names orphan disks to delete now.
type DeleteOrphanDisksArgs struct {
	DiskCIDs []string `json:"orphan_disk_cids" validate:"required,min=1"`
}

// Register adds the cleanup jobs to r.
func Register(r *jobrunner.Registry, c *Collector) error {
	regs := []error{
		jobrunner.Register(r, TypeCleanupArtifacts, jobrunner.QueueNormal, func(a ArtifactsArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.CleanupArtifacts(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeDeleteOrphanDisks, jobrunner.QueueNormal, func(a DeleteOrphanDisksArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.DeleteOrphanDisksJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeOrphanedVMs, jobrunner.QueueNormal, func(a AgeArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.OrphanedVMsJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeOrphanDisks, jobrunner.QueueNormal, func(a AgeArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.OrphanDisksJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeOrphanNetworks, jobrunner.QueueNormal, func(a AgeArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.OrphanNetworksJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeDNSBlobs, jobrunner.QueueNormal, func(a DNSBlobsArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.DNSBlobsJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeTasks, jobrunner.QueueNormal, func(a TasksArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return c.TasksJob(ctx, t, a) }), nil
		}),
	}
	for _, err := range regs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Collector) lockTimeout() time.Duration {
	if c.LockTimeout > 0 {
		return c.LockTimeout
	}
	return DefaultLockTimeout
}

// errSkipped tells sweep an item no longer qualified once it was looked at
// again under its lock.
var errSkipped = errors.New("skipped")

// sweep deletes items in parallel under one stage and returns how many
// were deleted. Every item is attempted; failures come back as one
// aggregate error.
func sweep[T any](ctx context.Context, t *jobrunner.Task, maxThreads int, stageName, kind string, items []T, name func(T) string, del func(ctx context.Context, item T) error) (int, error) {
	stage := t.Log.BeginStage(stageName, len(items))
	errs := &fleeterr.Multi{Op: stageName}
	var deleted atomic.Int64

	err := workerpool.ForEach(ctx, maxThreads, items, func(ctx context.Context, item T) error {
		skipped := false
		err := stage.AdvanceAndTrack(name(item), func() error {
			if ctx.Err() != nil {
				return fleeterr.Cancelled(t.ID)
			}
			err := del(ctx, item)
			if errors.Is(err, errSkipped) {
				skipped = true
				return nil
			}
			return err
		})
		if skipped {
			return nil
		}
		if err != nil {
			telemetry.CleanupFailures.WithLabelValues(kind).Inc()
			t.Logger.Warn("cleanup failed", zap.String("kind", kind), zap.String("item", name(item)), zap.Error(err))
			errs.Append(err)
			return nil
		}
		deleted.Add(1)
		telemetry.CleanupDeleted.WithLabelValues(kind).Inc()
		return nil
	})
	errs.Append(err)
	return int(deleted.Load()), errs.ErrorOrNil()
}
