package release

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud/dummy"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/jobrunner/jobtest"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

const nginxRelease = `
name: nginx
version: "1"
commit_hash: abc123
packages:
  - name: pcre
    fingerprint: fp-pcre
  - name: openssl
    fingerprint: fp-ssl
  - name: nginx
    fingerprint: fp-nginx
    dependencies: [pcre, openssl]
jobs:
  - name: nginx
    packages: [nginx]
    templates:
      config/nginx.conf: "listen {{ p \"port\" }};"
    properties:
      port:
        default: 80
`

type fixture struct {
	svc    *Service
	cpi    *dummy.CPI
	agents *dummy.Agents
	blobs  blobstore.Blobstore
	task   *jobrunner.Task
	db     *store.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	task, _ := jobtest.TaskWithDB(t, db)
	blobs, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	cpi := dummy.NewCPI()
	agents := dummy.NewAgents()
	return &fixture{
		svc:    &Service{CPI: cpi, Agents: agents, Blobs: blobs, MaxThreads: 2},
		cpi:    cpi,
		agents: agents,
		blobs:  blobs,
		task:   task,
		db:     db,
	}
}

func (f *fixture) uploadRelease(t *testing.T, doc string) {
	t.Helper()
	_, err := f.svc.UploadRelease(context.Background(), f.task, UploadReleaseArgs{Manifest: doc})
	require.NoError(t, err)
}

func (f *fixture) uploadStemcell(t *testing.T, version string) *store.Stemcell {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.UploadStemcell(ctx, f.task, UploadStemcellArgs{Name: "ubuntu-jammy", Version: version, OperatingSystem: "jammy", ImagePath: "/tmp/image"})
	require.NoError(t, err)
	sc, err := store.GetStemcell(ctx, f.db, "ubuntu-jammy", version)
	require.NoError(t, err)
	return sc
}

func TestUploadReleaseStoresPackagesAndJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.UploadRelease(ctx, f.task, UploadReleaseArgs{Manifest: nginxRelease})
	require.NoError(t, err)
	assert.Equal(t, "Created release 'nginx/1'", res)

	rv, err := store.GetReleaseVersion(ctx, f.db, "nginx", "1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", rv.CommitHash)

	pkgs, err := store.ListPackages(ctx, f.db, rv.ID)
	require.NoError(t, err)
	require.Len(t, pkgs, 3)

	jobs, err := Jobs(*rv)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"nginx"}, jobs[0].Packages)

	events, err := store.ListEvents(ctx, f.db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "nginx/1", events[0].ObjectName)
	assert.Empty(t, events[0].Error)

	_, err = f.svc.UploadRelease(ctx, f.task, UploadReleaseArgs{Manifest: nginxRelease})
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeReleaseAlreadyExists, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "Release 'nginx/1' already exists")
}

func TestUploadReleaseRejectsInvalidDescriptor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UploadRelease(context.Background(), f.task, UploadReleaseArgs{Manifest: "name: nginx\n"})
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeBadManifest, fleeterr.CodeOf(err))
}

func TestUploadStemcell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.UploadStemcell(ctx, f.task, UploadStemcellArgs{Name: "ubuntu-jammy", Version: "1.5", OperatingSystem: "jammy"})
	require.NoError(t, err)
	assert.Equal(t, "/stemcells/ubuntu-jammy/1.5", res)
	assert.Equal(t, 1, f.cpi.Count("create_stemcell"))

	_, err = f.svc.UploadStemcell(ctx, f.task, UploadStemcellArgs{Name: "ubuntu-jammy", Version: "1.5", OperatingSystem: "jammy"})
	assert.Equal(t, fleeterr.CodeStemcellAlreadyExists, fleeterr.CodeOf(err))
	assert.Equal(t, 1, f.cpi.Count("create_stemcell"))
}

func TestUploadStemcellCPIFailureRecordsFailedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cpi.FailOn("create_stemcell", errors.New("quota exceeded"))

	_, err := f.svc.UploadStemcell(ctx, f.task, UploadStemcellArgs{Name: "ubuntu-jammy", Version: "1.5", OperatingSystem: "jammy"})
	require.Error(t, err)

	_, err = store.GetStemcell(ctx, f.db, "ubuntu-jammy", "1.5")
	assert.True(t, fleeterr.IsNotFound(err))

	events, err := store.ListEvents(ctx, f.db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, events[0].Error, "quota exceeded")
}

func TestDeleteReleaseRefusesDeployedVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadRelease(t, nginxRelease)

	rv, err := store.GetReleaseVersion(ctx, f.db, "nginx", "1")
	require.NoError(t, err)
	d := storetest.Deployment(t, f.db, "web")
	require.NoError(t, store.SetDeploymentReleaseVersions(ctx, f.db, d.ID, []int64{rv.ID}))

	_, err = f.svc.DeleteReleaseJob(ctx, f.task, DeleteReleaseArgs{Name: "nginx", Version: "1"})
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeReleaseVersionInUse, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "still deployed by: web")

	_, err = f.svc.DeleteReleaseJob(ctx, f.task, DeleteReleaseArgs{Name: "nginx"})
	assert.Equal(t, fleeterr.CodeReleaseInUse, fleeterr.CodeOf(err))

	require.NoError(t, store.SetDeploymentReleaseVersions(ctx, f.db, d.ID, nil))
	res, err := f.svc.DeleteReleaseJob(ctx, f.task, DeleteReleaseArgs{Name: "nginx", Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, "Deleted release version 'nginx/1'", res)

	_, err = store.GetRelease(ctx, f.db, "nginx")
	assert.True(t, fleeterr.IsNotFound(err), "release without versions is removed")
}

func TestDeleteStemcell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sc := f.uploadStemcell(t, "1.5")

	d := storetest.Deployment(t, f.db, "web")
	require.NoError(t, store.SetDeploymentStemcells(ctx, f.db, d.ID, []int64{sc.ID}))
	_, err := f.svc.DeleteStemcellJob(ctx, f.task, DeleteStemcellArgs{Name: "ubuntu-jammy", Version: "1.5"})
	assert.Equal(t, fleeterr.CodeStemcellInUse, fleeterr.CodeOf(err))

	require.NoError(t, store.SetDeploymentStemcells(ctx, f.db, d.ID, nil))
	f.cpi.FailOn("delete_stemcell", errors.New("cloud unavailable"))
	_, err = f.svc.DeleteStemcellJob(ctx, f.task, DeleteStemcellArgs{Name: "ubuntu-jammy", Version: "1.5"})
	require.Error(t, err)

	res, err := f.svc.DeleteStemcellJob(ctx, f.task, DeleteStemcellArgs{Name: "ubuntu-jammy", Version: "1.5", Force: true})
	require.NoError(t, err)
	assert.Equal(t, "Deleted stemcell 'ubuntu-jammy/1.5'", res)

	_, err = store.GetStemcell(ctx, f.db, "ubuntu-jammy", "1.5")
	assert.True(t, fleeterr.IsNotFound(err))
}

func TestResolveLatestVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadRelease(t, nginxRelease)
	f.uploadRelease(t, "name: nginx\nversion: \"2\"\n")
	f.uploadStemcell(t, "1.5")
	f.uploadStemcell(t, "1.6")

	rv, err := ResolveReleaseVersion(ctx, f.db, "nginx", VersionLatest)
	require.NoError(t, err)
	assert.Equal(t, "2", rv.Version)

	sc, err := ResolveStemcell(ctx, f.db, manifest.StemcellRef{OS: "jammy", Version: VersionLatest})
	require.NoError(t, err)
	assert.Equal(t, "1.6", sc.Version)

	sc, err = ResolveStemcell(ctx, f.db, manifest.StemcellRef{Name: "ubuntu-jammy", Version: "1.5"})
	require.NoError(t, err)
	assert.Equal(t, "1.5", sc.Version)

	_, err = ResolveStemcell(ctx, f.db, manifest.StemcellRef{OS: "bionic", Version: VersionLatest})
	assert.Equal(t, fleeterr.CodeStemcellNotFound, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "Stemcell version 'latest' for OS 'bionic' doesn't exist")
}

func TestBindResolvesPackagesTransitively(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadRelease(t, nginxRelease)
	sc := f.uploadStemcell(t, "1.5")

	plan := &manifest.Plan{
		Name:      "web",
		Releases:  []manifest.ReleaseRef{{Name: "nginx", Version: "1"}},
		Stemcells: map[string]manifest.StemcellRef{"default": {Alias: "default", OS: "jammy", Version: VersionLatest}},
	}
	b, err := Bind(ctx, f.db, plan)
	require.NoError(t, err)
	assert.Equal(t, []int64{sc.ID}, b.StemcellIDs())
	require.Len(t, b.ReleaseVersionIDs(), 1)

	ig := &manifest.InstanceGroupPlan{Name: "web", Jobs: []manifest.JobRef{{Name: "nginx", Release: "nginx"}}}
	pkgs, err := b.Packages(ig)
	require.NoError(t, err)
	var names []string
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"nginx", "openssl", "pcre"}, names)

	plan.Releases[0].Version = "9"
	_, err = Bind(ctx, f.db, plan)
	assert.Equal(t, fleeterr.CodeReleaseVersionNotFound, fleeterr.CodeOf(err))
}

func TestCompileOrderLevels(t *testing.T) {
	levels, err := compileOrder([]store.Package{
		{Name: "nginx", Dependencies: "pcre,openssl"},
		{Name: "openssl"},
		{Name: "pcre", Dependencies: "libc"},
	})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Equal(t, "nginx", levels[1][0].Name)

	_, err = compileOrder([]store.Package{
		{Name: "a", Dependencies: "b"},
		{Name: "b", Dependencies: "a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cyclic package dependencies detected")
}

func TestCompileReusesCompiledPackages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadRelease(t, nginxRelease)
	sc := f.uploadStemcell(t, "1.5")

	rv, err := store.GetReleaseVersion(ctx, f.db, "nginx", "1")
	require.NoError(t, err)
	pkgs, err := store.ListPackages(ctx, f.db, rv.ID)
	require.NoError(t, err)

	c := &Compiler{CPI: f.cpi, Agents: f.agents}
	env := CompileEnv{Deployment: "web", Stemcell: *sc, Workers: 2}
	refs, err := c.Compile(ctx, f.task, env, pkgs)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "sha1-nginx", refs["nginx"].SHA1)
	assert.Equal(t, 3, f.agents.Count("compile_package"))
	assert.Equal(t, 3, f.cpi.Count("create_vm"))
	assert.Equal(t, 0, f.cpi.VMCount(), "compilation vms are deleted")

	f.agents.Reset()
	again, err := c.Compile(ctx, f.task, env, pkgs)
	require.NoError(t, err)
	assert.Equal(t, 0, f.agents.Count("compile_package"))
	assert.Equal(t, refs["nginx"].BlobstoreID, again["nginx"].BlobstoreID)
}

func TestCompileRecordsUndeletableVMAsOrphan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sc := f.uploadStemcell(t, "1.5")
	f.cpi.FailOn("delete_vm", errors.New("cloud unavailable"))

	c := &Compiler{CPI: f.cpi, Agents: f.agents}
	_, err := c.Compile(ctx, f.task, CompileEnv{Deployment: "web", Stemcell: *sc}, []store.Package{{Name: "pcre", Fingerprint: "fp"}})
	require.NoError(t, err)

	orphans, err := store.ListOrphanedVMs(ctx, f.db, time.Time{})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "web", orphans[0].DeploymentName)
}

func TestExportRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadRelease(t, nginxRelease)
	f.uploadStemcell(t, "1.5")
	args := ExportReleaseArgs{Deployment: "web", Release: "nginx", Version: "1", StemcellOS: "jammy", StemcellVersion: "1.5"}

	d := storetest.Deployment(t, f.db, "web")
	_, err := f.svc.ExportRelease(ctx, f.task, args)
	assert.Equal(t, fleeterr.CodeReleaseVersionNotFound, fleeterr.CodeOf(err))

	rv, err := store.GetReleaseVersion(ctx, f.db, "nginx", "1")
	require.NoError(t, err)
	require.NoError(t, store.SetDeploymentReleaseVersions(ctx, f.db, d.ID, []int64{rv.ID}))

	out, err := f.svc.ExportRelease(ctx, f.task, args)
	require.NoError(t, err)
	var res ExportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.SHA1)

	blobs, err := store.ListBlobs(ctx, f.db, store.BlobTypeExportedRelease)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, res.BlobstoreID, blobs[0].BlobstoreID)

	rc, err := f.blobs.Get(ctx, res.BlobstoreID)
	require.NoError(t, err)
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"jobs/nginx.yml", "release.MF"}, names)
}
