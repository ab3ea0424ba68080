package cleanup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

// cutoffLayout renders the DNS cutoff in the task result.
const cutoffLayout = "2006-01-02 15:04:05 -0700"

// ArtifactsResult counts what one cleanup_artifacts run deleted.
type ArtifactsResult struct {
	Releases         int
	Stemcells        int
	CompiledPackages int
	OrphanDisks      int
	OrphanedVMs      int
	ExportedReleases int
	DNSBlobs         int
	DNSCutoff        time.Time
}

func (r ArtifactsResult) String() string {
	return fmt.Sprintf("Deleted %d release(s), %d stemcell(s), %d extra compiled package(s), %d orphaned disk(s), %d orphaned vm(s), %d exported release(s), Deleted %d dns blob(s) created before %s",
		r.Releases, r.Stemcells, r.CompiledPackages, r.OrphanDisks, r.OrphanedVMs, r.ExportedReleases, r.DNSBlobs, r.DNSCutoff.Format(cutoffLayout))
}

// CleanupArtifacts runs every sweep once. Without RemoveAll the two most
// recent unused versions of each release and stemcell survive, orphan
// disks and compiled packages are left alone and DNS blobs younger than an
// hour or among the ten newest are kept. A failing stage stops the later
// ones.
func (c *Collector) CleanupArtifacts(ctx context.Context, t *jobrunner.Task, a ArtifactsArgs) (string, error) {
	res, err := c.Artifacts(ctx, t, a)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Artifacts is CleanupArtifacts returning the counts.
func (c *Collector) Artifacts(ctx context.Context, t *jobrunner.Task, a ArtifactsArgs) (*ArtifactsResult, error) {
	now := c.now()
	keep := DefaultKeepVersions
	if a.RemoveAll {
		keep = 0
	}
	res := &ArtifactsResult{}
	var err error

	if res.Releases, err = c.DeleteUnusedReleases(ctx, t, keep); err != nil {
		return nil, err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if res.Stemcells, err = c.DeleteUnusedStemcells(ctx, t, keep); err != nil {
		return nil, err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if a.RemoveAll {
		if res.CompiledPackages, err = c.DeleteOrphanCompiledPackages(ctx, t); err != nil {
			return nil, err
		}
		disks, err := store.ListOrphanDisks(ctx, t.DB, time.Time{})
		if err != nil {
			return nil, err
		}
		if res.OrphanDisks, err = c.DeleteOrphanDisks(ctx, t, disks); err != nil {
			return nil, err
		}
		if err := t.Checkpoint(ctx); err != nil {
			return nil, err
		}
	}

	if res.OrphanedVMs, _, err = c.DeleteOrphanedVMs(ctx, t, time.Time{}); err != nil {
		return nil, err
	}
	if res.ExportedReleases, err = c.DeleteExportedReleases(ctx, t); err != nil {
		return nil, err
	}

	res.DNSCutoff = now.Add(-DefaultDNSBlobAge)
	dnsKeep := DefaultDNSBlobsKept
	if a.RemoveAll {
		res.DNSCutoff = now
		n, err := store.CountDeployments(ctx, t.DB)
		if err != nil {
			return nil, err
		}
		dnsKeep = min(n, 1)
	}
	if res.DNSBlobs, err = c.DeleteDNSBlobs(ctx, t, res.DNSCutoff, dnsKeep); err != nil {
		return nil, err
	}
	return res, nil
}

// expendable returns the versions retention allows deleting: every version
// not currently deployed except the keep most recent of those. versions
// are oldest first.
func expendable[T any](versions []T, deployed func(T) bool, keep int) []T {
	var unused []T
	for _, v := range versions {
		if !deployed(v) {
			unused = append(unused, v)
		}
	}
	if len(unused) <= keep {
		return nil
	}
	return unused[:len(unused)-keep]
}

// DeleteUnusedReleases deletes release versions outside retention, one at
// a time, each under its release lock.
func (c *Collector) DeleteUnusedReleases(ctx context.Context, t *jobrunner.Task, keep int) (int, error) {
	releases, err := store.ListReleases(ctx, t.DB)
	if err != nil {
		return 0, err
	}
	var doomed []store.ReleaseVersion
	for _, rel := range releases {
		versions, err := store.ListReleaseVersions(ctx, t.DB, rel.ID)
		if err != nil {
			return 0, err
		}
		doomed = append(doomed, expendable(versions, func(rv store.ReleaseVersion) bool { return rv.Deployed }, keep)...)
	}

	return sweep(ctx, t, 1, "Deleting releases", "release", doomed,
		func(rv store.ReleaseVersion) string { return rv.ReleaseName + "/" + rv.Version },
		func(ctx context.Context, rv store.ReleaseVersion) error {
			return t.Locks.WithLock(ctx, lock.Release(rv.ReleaseName), c.lockTimeout(), func(ctx context.Context) error {
				// a deploy may have picked the version up since it was listed
				current, err := store.GetReleaseVersion(ctx, t.DB, rv.ReleaseName, rv.Version)
				if err != nil {
					return err
				}
				if current.Deployed {
					return errSkipped
				}
				return c.Releases.DeleteReleaseVersion(ctx, t, *current)
			})
		})
}

// DeleteUnusedStemcells deletes stemcell versions outside retention, per
// stemcell name.
func (c *Collector) DeleteUnusedStemcells(ctx context.Context, t *jobrunner.Task, keep int) (int, error) {
	all, err := store.ListStemcells(ctx, t.DB)
	if err != nil {
		return 0, err
	}
	byName := make(map[string][]store.Stemcell)
	var names []string
	for _, sc := range all {
		if _, ok := byName[sc.Name]; !ok {
			names = append(names, sc.Name)
		}
		byName[sc.Name] = append(byName[sc.Name], sc)
	}
	sort.Strings(names)
	var doomed []store.Stemcell
	for _, name := range names {
		doomed = append(doomed, expendable(byName[name], func(sc store.Stemcell) bool { return sc.Deployed }, keep)...)
	}

	return sweep(ctx, t, c.MaxThreads, "Deleting stemcells", "stemcell", doomed,
		func(sc store.Stemcell) string { return sc.Name + "/" + sc.Version },
		func(ctx context.Context, sc store.Stemcell) error { return c.Releases.DeleteStemcell(ctx, t, sc, false) })
}

// DeleteOrphanCompiledPackages deletes compiled packages no stemcell or
// release package can use anymore.
func (c *Collector) DeleteOrphanCompiledPackages(ctx context.Context, t *jobrunner.Task) (int, error) {
	pkgs, err := store.ListOrphanCompiledPackages(ctx, t.DB)
	if err != nil {
		return 0, err
	}
	return sweep(ctx, t, c.MaxThreads, "Deleting packages", "compiled_package", pkgs,
		func(p store.CompiledPackage) string {
			return fmt.Sprintf("%s for %s/%s", p.PackageName, p.StemcellOS, p.StemcellVersion)
		},
		func(ctx context.Context, p store.CompiledPackage) error {
			if err := blobstore.DeleteIfExists(ctx, c.Blobs, p.BlobstoreID); err != nil {
				return err
			}
			return store.DeleteCompiledPackage(ctx, t.DB, p.ID)
		})
}

// DeleteExportedReleases deletes the ephemeral blobs of exported releases.
func (c *Collector) DeleteExportedReleases(ctx context.Context, t *jobrunner.Task) (int, error) {
	blobs, err := store.ListBlobs(ctx, t.DB, store.BlobTypeExportedRelease)
	if err != nil {
		return 0, err
	}
	return sweep(ctx, t, c.MaxThreads, "Deleting exported releases", "exported_release", blobs,
		func(b store.Blob) string { return b.BlobstoreID },
		func(ctx context.Context, b store.Blob) error {
			if err := blobstore.DeleteIfExists(ctx, c.Blobs, b.BlobstoreID); err != nil {
				return err
			}
			return store.DeleteBlob(ctx, t.DB, b.ID)
		})
}

// DNSBlobsJob deletes DNS blobs older than MaxAge beyond the Keep newest.
func (c *Collector) DNSBlobsJob(ctx context.Context, t *jobrunner.Task, a DNSBlobsArgs) (string, error) {
	maxAge := a.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultDNSBlobAge
	}
	cutoff := c.now().Add(-maxAge)
	deleted, err := c.DeleteDNSBlobs(ctx, t, cutoff, a.Keep)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %d dns blob(s) created before %s", deleted, cutoff.Format(cutoffLayout)), nil
}

// DeleteDNSBlobs deletes DNS blobs created before cutoff, never touching
// the keep newest. Tombstone records older than the oldest surviving blob
// go with them; with no blob left, every tombstone below the current
// records version does.
func (c *Collector) DeleteDNSBlobs(ctx context.Context, t *jobrunner.Task, cutoff time.Time, keep int) (int, error) {
	blobs, err := store.ListDNSBlobs(ctx, t.DB)
	if err != nil {
		return 0, err
	}
	var doomed, kept []store.DNSBlob
	for i, b := range blobs {
		switch {
		case i < keep:
			kept = append(kept, b)
		case b.CreatedAt.Before(cutoff):
			doomed = append(doomed, b)
		default:
			kept = append(kept, b)
		}
	}

	deleted, err := sweep(ctx, t, c.MaxThreads, "Deleting dns blobs", "dns_blob", doomed,
		func(b store.DNSBlob) string { return b.BlobstoreID },
		func(ctx context.Context, b store.DNSBlob) error {
			if err := blobstore.DeleteIfExists(ctx, c.Blobs, b.BlobstoreID); err != nil {
				return err
			}
			return store.DeleteDNSBlob(ctx, t.DB, b.ID)
		})
	if err != nil || deleted == 0 {
		return deleted, err
	}

	var floor int64
	if len(kept) == 0 {
		if floor, err = store.DNSRecordsVersion(ctx, t.DB); err != nil {
			return deleted, err
		}
	} else {
		floor = kept[0].Version
		for _, b := range kept[1:] {
			floor = min(floor, b.Version)
		}
	}
	n, err := store.DeleteDNSTombstonesBelow(ctx, t.DB, floor)
	if err != nil {
		return deleted, err
	}
	if n > 0 {
		t.Logger.Info("dns tombstones deleted", zap.Int64("count", n), zap.Int64("below_version", floor))
		_, _ = t.Events.Record(ctx, eventlog.Entry{Action: "cleanup", ObjectType: "dns-tombstones", Context: map[string]any{"deleted": n, "below_version": floor}}, nil)
	}
	return deleted, nil
}
