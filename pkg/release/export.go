package release

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

// ExportReleaseArgs names a deployed release version and the stemcell to
// compile it for.
type ExportReleaseArgs struct {
	Deployment      string `json:"deployment_name" validate:"required"`
	Release         string `json:"release_name" validate:"required"`
	Version         string `json:"release_version" validate:"required"`
	StemcellOS      string `json:"stemcell_os" validate:"required"`
	StemcellVersion string `json:"stemcell_version" validate:"required"`
}

// ExportResult is the task result of an export.
type ExportResult struct {
	BlobstoreID string `json:"blobstore_id"`
	SHA1        string `json:"sha1"`
}

type exportedPackage struct {
	Name         string   `yaml:"name"`
	Fingerprint  string   `yaml:"fingerprint"`
	SHA1         string   `yaml:"sha1"`
	BlobstoreID  string   `yaml:"blobstore_id"`
	Stemcell     string   `yaml:"stemcell"`
	Dependencies []string `yaml:"dependencies,omitempty"`
}

type exportedRelease struct {
	Name             string            `yaml:"name"`
	Version          string            `yaml:"version"`
	CommitHash       string            `yaml:"commit_hash,omitempty"`
	CompiledPackages []exportedPackage `yaml:"compiled_packages"`
	Jobs             []string          `yaml:"jobs"`
}

// ExportRelease compiles a deployed release version for a stemcell and
// stores a compiled release tarball as an ephemeral blob.
func (s *Service) ExportRelease(ctx context.Context, t *jobrunner.Task, args ExportReleaseArgs) (string, error) {
	d, err := store.GetDeployment(ctx, t.DB, args.Deployment)
	if err != nil {
		return "", err
	}
	rv, err := store.GetReleaseVersion(ctx, t.DB, args.Release, args.Version)
	if err != nil {
		return "", err
	}
	users, err := store.ReleaseVersionDeployments(ctx, t.DB, rv.ID)
	if err != nil {
		return "", err
	}
	if !slices.Contains(users, d.Name) {
		return "", fleeterr.NotFound(fleeterr.CodeReleaseVersionNotFound, "Release version '%s/%s' not found in deployment '%s'", args.Release, args.Version, d.Name)
	}
	sc, err := ResolveStemcell(ctx, t.DB, manifest.StemcellRef{OS: args.StemcellOS, Version: manifest.Scalar(args.StemcellVersion)})
	if err != nil {
		return "", err
	}

	var result ExportResult
	names := []string{lock.Deployment(d.Name), lock.Release(args.Release)}
	entry := eventlog.Entry{Action: "export", ObjectType: "release", ObjectName: args.Release + "/" + args.Version, Deployment: d.Name}
	err = t.Locks.WithLocks(ctx, names, s.lockTimeout(), func(ctx context.Context) error {
		return t.Events.Track(ctx, entry, func(ctx context.Context) error {
			pkgs, err := store.ListPackages(ctx, t.DB, rv.ID)
			if err != nil {
				return err
			}
			compiler := &Compiler{CPI: s.CPI, Agents: s.Agents, LockTimeout: s.lockTimeout()}
			refs, err := compiler.Compile(ctx, t, CompileEnv{Deployment: d.Name, Stemcell: *sc, Workers: s.MaxThreads}, pkgs)
			if err != nil {
				return err
			}
			if err := t.Checkpoint(ctx); err != nil {
				return err
			}

			doc := exportedRelease{Name: rv.ReleaseName, Version: rv.Version, CommitHash: rv.CommitHash}
			for _, p := range pkgs {
				ref := refs[p.Name]
				doc.CompiledPackages = append(doc.CompiledPackages, exportedPackage{
					Name:         p.Name,
					Fingerprint:  p.Fingerprint,
					SHA1:         ref.SHA1,
					BlobstoreID:  ref.BlobstoreID,
					Stemcell:     sc.OperatingSystem + "/" + sc.Version,
					Dependencies: Dependencies(p),
				})
			}
			jobs, err := Jobs(*rv)
			if err != nil {
				return err
			}
			files := map[string][]byte{}
			for _, j := range jobs {
				doc.Jobs = append(doc.Jobs, j.Name)
				body, err := yaml.Marshal(j)
				if err != nil {
					return fmt.Errorf("encode job %s: %w", j.Name, err)
				}
				files["jobs/"+j.Name+".yml"] = body
			}
			mf, err := yaml.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode release manifest: %w", err)
			}
			files["release.MF"] = mf

			archive, err := tarball(files)
			if err != nil {
				return err
			}
			stage := t.Log.BeginStage("Creating compiled release tarball", 1)
			return stage.AdvanceAndTrack(args.Release+"/"+args.Version, func() error {
				id, sum, err := blobstore.CreateWithSHA1(ctx, s.Blobs, bytes.NewReader(archive))
				if err != nil {
					return err
				}
				result = ExportResult{BlobstoreID: id, SHA1: sum}
				_, err = store.CreateBlob(ctx, t.DB, store.Blob{BlobstoreID: id, SHA1: sum, Type: store.BlobTypeExportedRelease})
				return err
			})
		})
	})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// tarball writes files into a gzipped tar in name order.
func tarball(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, name := range names {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), ModTime: now}); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
