package release

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

// DeleteReleaseJob deletes one version or a whole release.
func (s *Service) DeleteReleaseJob(ctx context.Context, t *jobrunner.Task, args DeleteReleaseArgs) (string, error) {
	err := t.Locks.WithLock(ctx, lock.Release(args.Name), s.lockTimeout(), func(ctx context.Context) error {
		rel, err := store.GetRelease(ctx, t.DB, args.Name)
		if err != nil {
			return err
		}
		var versions []store.ReleaseVersion
		if args.Version != "" {
			rv, err := store.GetReleaseVersion(ctx, t.DB, args.Name, args.Version)
			if err != nil {
				return err
			}
			versions = []store.ReleaseVersion{*rv}
		} else if versions, err = store.ListReleaseVersions(ctx, t.DB, rel.ID); err != nil {
			return err
		}

		for _, rv := range versions {
			if rv.Deployed {
				users, err := store.ReleaseVersionDeployments(ctx, t.DB, rv.ID)
				if err != nil {
					return err
				}
				code := fleeterr.CodeReleaseVersionInUse
				if args.Version == "" {
					code = fleeterr.CodeReleaseInUse
				}
				return fleeterr.InvalidState(code, "Release version '%s/%s' is still deployed by: %s", args.Name, rv.Version, strings.Join(users, ", "))
			}
		}

		stage := t.Log.BeginStage("Deleting release versions", len(versions))
		for _, rv := range versions {
			if err := stage.AdvanceAndTrack(args.Name+"/"+rv.Version, func() error {
				return s.DeleteReleaseVersion(ctx, t, rv)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if args.Version != "" {
		return fmt.Sprintf("Deleted release version '%s/%s'", args.Name, args.Version), nil
	}
	return fmt.Sprintf("Deleted release '%s'", args.Name), nil
}

// DeleteReleaseVersion removes an undeployed version, and the release
// itself once no versions remain. Callers hold the release lock.
func (s *Service) DeleteReleaseVersion(ctx context.Context, t *jobrunner.Task, rv store.ReleaseVersion) error {
	entry := eventlog.Entry{Action: "delete", ObjectType: "release", ObjectName: rv.ReleaseName + "/" + rv.Version}
	return t.Events.Track(ctx, entry, func(ctx context.Context) error {
		return t.DB.InTx(ctx, func(tx *store.Tx) error {
			if err := store.DeleteReleaseVersion(ctx, tx, rv.ID); err != nil {
				return err
			}
			remaining, err := store.ListReleaseVersions(ctx, tx, rv.ReleaseID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				return store.DeleteRelease(ctx, tx, rv.ReleaseID)
			}
			return nil
		})
	})
}

// DeleteStemcellJob deletes one stemcell.
func (s *Service) DeleteStemcellJob(ctx context.Context, t *jobrunner.Task, args DeleteStemcellArgs) (string, error) {
	sc, err := store.GetStemcell(ctx, t.DB, args.Name, args.Version)
	if err != nil {
		return "", err
	}
	if err := s.DeleteStemcell(ctx, t, *sc, args.Force); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted stemcell '%s/%s'", args.Name, args.Version), nil
}

// DeleteStemcell removes an unused stemcell from the cloud and the store.
// A stemcell the CPI no longer knows about counts as deleted; other CPI
// failures abort unless force is set.
func (s *Service) DeleteStemcell(ctx context.Context, t *jobrunner.Task, sc store.Stemcell, force bool) error {
	users, err := store.StemcellDeployments(ctx, t.DB, sc.ID)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return fleeterr.InvalidState(fleeterr.CodeStemcellInUse, "Stemcell '%s/%s' is still in use by: %s", sc.Name, sc.Version, strings.Join(users, ", "))
	}

	entry := eventlog.Entry{Action: "delete", ObjectType: "stemcell", ObjectName: sc.Name + "/" + sc.Version}
	return t.Events.Track(ctx, entry, func(ctx context.Context) error {
		if err := s.CPI.DeleteStemcell(ctx, sc.CID); err != nil && !cloud.IsNotFound(err) {
			if !force {
				return err
			}
			t.Logger.Warn("ignoring stemcell delete failure", zap.String("cid", sc.CID), zap.Error(err))
		}
		return store.DeleteStemcell(ctx, t.DB, sc.ID)
	})
}
