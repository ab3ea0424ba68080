// Package release manages uploaded releases and stemcells: uploading,
// deleting and exporting them, binding deployment plans to stored
// versions, and compiling packages for a stemcell.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

// Job types registered by this package.
const (
	TypeUploadRelease  = "upload_release"
	TypeUploadStemcell = "upload_stemcell"
	TypeDeleteRelease  = "delete_release"
	TypeDeleteStemcell = "delete_stemcell"
	TypeExportRelease  = "export_release"
)

// DefaultLockTimeout bounds how long release jobs wait for their locks.
const DefaultLockTimeout = 10 * time.Second

// Service holds the collaborators release jobs need.
type Service struct {
	CPI         cloud.CPI
	Agents      cloud.Agents
	Blobs       blobstore.Blobstore
	LockTimeout time.Duration
	MaxThreads  int
}

func (s *Service) lockTimeout() time.Duration {
	if s.LockTimeout > 0 {
		return s.LockTimeout
	}
	return DefaultLockTimeout
}

// UploadReleaseArgs carries a release descriptor document.
type UploadReleaseArgs struct {
	Manifest string `json:"manifest" validate:"required"`
}

// UploadStemcellArgs describes a stemcell image.
type UploadStemcellArgs struct {
	Name            string         `json:"name" validate:"required"`
	Version         string         `json:"version" validate:"required"`
	OperatingSystem string         `json:"operating_system" validate:"required"`
	ImagePath       string         `json:"image_path"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty"`
}

// DeleteReleaseArgs deletes one version, or every version when Version is
// empty. Force ignores CPI and blobstore failures.
type DeleteReleaseArgs struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

type DeleteStemcellArgs struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
	Force   bool   `json:"force,omitempty"`
}

// Register adds the release and stemcell jobs to r.
func Register(r *jobrunner.Registry, s *Service) error {
	regs := []error{
		jobrunner.Register(r, TypeUploadRelease, jobrunner.QueueNormal, func(a UploadReleaseArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return s.UploadRelease(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeUploadStemcell, jobrunner.QueueNormal, func(a UploadStemcellArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return s.UploadStemcell(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeDeleteRelease, jobrunner.QueueNormal, func(a DeleteReleaseArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return s.DeleteReleaseJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeDeleteStemcell, jobrunner.QueueNormal, func(a DeleteStemcellArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return s.DeleteStemcellJob(ctx, t, a) }), nil
		}),
		jobrunner.Register(r, TypeExportRelease, jobrunner.QueueNormal, func(a ExportReleaseArgs) (jobrunner.Job, error) {
			return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) { return s.ExportRelease(ctx, t, a) }), nil
		}),
	}
	for _, err := range regs {
		if err != nil {
			return err
		}
	}
	return nil
}

// UploadRelease stores a new release version with its jobs and packages.
func (s *Service) UploadRelease(ctx context.Context, t *jobrunner.Task, args UploadReleaseArgs) (string, error) {
	desc, err := manifest.LoadRelease([]byte(args.Manifest))
	if err != nil {
		return "", err
	}
	version := desc.Version.String()
	jobs, err := json.Marshal(desc.Jobs)
	if err != nil {
		return "", fmt.Errorf("encode release jobs: %w", err)
	}

	entry := eventlog.Entry{Action: "create", ObjectType: "release", ObjectName: desc.Name + "/" + version}
	err = t.Locks.WithLock(ctx, lock.Release(desc.Name), s.lockTimeout(), func(ctx context.Context) error {
		return t.Events.Track(ctx, entry, func(ctx context.Context) error {
			stage := t.Log.BeginStage("Creating new packages", len(desc.Packages))
			return t.DB.InTx(ctx, func(tx *store.Tx) error {
				rel, err := store.FindOrCreateRelease(ctx, tx, desc.Name)
				if err != nil {
					return err
				}
				if _, err := store.GetReleaseVersion(ctx, tx, desc.Name, version); err == nil {
					return fleeterr.Validation(fleeterr.CodeReleaseAlreadyExists, "Release '%s/%s' already exists", desc.Name, version)
				} else if !fleeterr.IsNotFound(err) {
					return err
				}
				rv, err := store.CreateReleaseVersion(ctx, tx, store.ReleaseVersion{
					ReleaseID:  rel.ID,
					Version:    version,
					CommitHash: desc.CommitHash,
					Jobs:       string(jobs),
				})
				if err != nil {
					return err
				}
				for _, p := range desc.Packages {
					err := stage.AdvanceAndTrack(p.Name+"/"+p.Fingerprint, func() error {
						_, err := store.CreatePackage(ctx, tx, store.Package{
							ReleaseVersionID: rv.ID,
							Name:             p.Name,
							Fingerprint:      p.Fingerprint,
							Dependencies:     strings.Join(p.Dependencies, ","),
						})
						return err
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		})
	})
	if err != nil {
		return "", err
	}
	t.Logger.Info("release uploaded", zap.String("release", desc.Name), zap.String("version", version))
	return fmt.Sprintf("Created release '%s/%s'", desc.Name, version), nil
}

// UploadStemcell creates the stemcell in the cloud and records it.
func (s *Service) UploadStemcell(ctx context.Context, t *jobrunner.Task, args UploadStemcellArgs) (string, error) {
	name := args.Name + "/" + args.Version
	if _, err := store.GetStemcell(ctx, t.DB, args.Name, args.Version); err == nil {
		return "", fleeterr.Validation(fleeterr.CodeStemcellAlreadyExists, "Stemcell '%s' already exists", name)
	} else if !fleeterr.IsNotFound(err) {
		return "", err
	}

	entry := eventlog.Entry{Action: "create", ObjectType: "stemcell", ObjectName: name}
	var cid string
	err := t.Events.Track(ctx, entry, func(ctx context.Context) error {
		stage := t.Log.BeginStage("Update stemcell", 2)
		if err := stage.AdvanceAndTrack("Uploading stemcell "+name+" to the cloud", func() error {
			var err error
			cid, err = s.CPI.CreateStemcell(ctx, args.ImagePath, args.CloudProperties)
			return err
		}); err != nil {
			return err
		}
		return stage.AdvanceAndTrack("Save stemcell "+name+" ("+cid+")", func() error {
			_, err := store.CreateStemcell(ctx, t.DB, store.Stemcell{
				Name:            args.Name,
				Version:         args.Version,
				OperatingSystem: args.OperatingSystem,
				CID:             cid,
			})
			if err != nil {
				if derr := s.CPI.DeleteStemcell(ctx, cid); derr != nil && !cloud.IsNotFound(derr) {
					t.Logger.Warn("failed to delete stemcell after save failure", zap.String("cid", cid), zap.Error(derr))
				}
			}
			return err
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/stemcells/%s/%s", args.Name, args.Version), nil
}
