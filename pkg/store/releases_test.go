package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func TestReleaseVersionsTrackDeployedFlag(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rel, err := FindOrCreateRelease(ctx, db, "nginx")
	require.NoError(t, err)
	v1, err := CreateReleaseVersion(ctx, db, ReleaseVersion{ReleaseID: rel.ID, Version: "1"})
	require.NoError(t, err)
	_, err = CreateReleaseVersion(ctx, db, ReleaseVersion{ReleaseID: rel.ID, Version: "2"})
	require.NoError(t, err)

	d, _, err := FindOrCreateDeployment(ctx, db, "web")
	require.NoError(t, err)
	require.NoError(t, SetDeploymentReleaseVersions(ctx, db, d.ID, []int64{v1.ID, v1.ID}))

	versions, err := ListReleaseVersions(ctx, db, rel.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].Deployed)
	assert.False(t, versions[1].Deployed)
	assert.Equal(t, "nginx", versions[0].ReleaseName)

	names, err := ReleaseVersionDeployments(ctx, db, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, names)

	_, err = GetReleaseVersion(ctx, db, "nginx", "3")
	assert.Equal(t, fleeterr.CodeReleaseVersionNotFound, fleeterr.CodeOf(err))
	_, err = GetReleaseVersion(ctx, db, "redis", "1")
	assert.Equal(t, fleeterr.CodeReleaseNotFound, fleeterr.CodeOf(err))

	err = DeleteRelease(ctx, db, rel.ID)
	assert.ErrorIs(t, err, fleeterr.ErrInvalidState)
}

func TestOrphanCompiledPackages(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rel, err := FindOrCreateRelease(ctx, db, "nginx")
	require.NoError(t, err)
	rv, err := CreateReleaseVersion(ctx, db, ReleaseVersion{ReleaseID: rel.ID, Version: "1"})
	require.NoError(t, err)
	_, err = CreatePackage(ctx, db, Package{ReleaseVersionID: rv.ID, Name: "nginx", Fingerprint: "fp1"})
	require.NoError(t, err)
	_, err = CreateStemcell(ctx, db, Stemcell{Name: "ubuntu", Version: "1.0", OperatingSystem: "jammy", CID: "sc-1"})
	require.NoError(t, err)

	_, err = CreateCompiledPackage(ctx, db, CompiledPackage{PackageName: "nginx", Fingerprint: "fp1", StemcellOS: "jammy", StemcellVersion: "1.0", BlobstoreID: "b1", SHA1: "s"})
	require.NoError(t, err)
	_, err = CreateCompiledPackage(ctx, db, CompiledPackage{PackageName: "nginx", Fingerprint: "fp1", StemcellOS: "jammy", StemcellVersion: "0.9", BlobstoreID: "b2", SHA1: "s"})
	require.NoError(t, err)

	orphans, err := ListOrphanCompiledPackages(ctx, db)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "b2", orphans[0].BlobstoreID)

	found, err := FindCompiledPackage(ctx, db, "nginx", "fp1", "jammy", "1.0")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b1", found.BlobstoreID)
}

func TestVariableSetsAndLinksCleanup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	d, inst := seedInstance(t, db)

	old, err := CreateVariableSet(ctx, db, d.ID)
	require.NoError(t, err)
	pinned, err := CreateVariableSet(ctx, db, d.ID)
	require.NoError(t, err)
	current, err := CreateVariableSet(ctx, db, d.ID)
	require.NoError(t, err)
	require.NoError(t, PutVariable(ctx, db, old.ID, "/dep/password", "v1"))
	require.NoError(t, UpdateInstanceSpec(ctx, db, inst.ID, "{}", "hash", &pinned.ID))

	removed, err := CleanUnusedVariableSets(ctx, db, d.ID, []int64{current.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	latest, err := CurrentVariableSet(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, current.ID, latest.ID)
	assert.True(t, latest.Writable)

	none, err := LastSuccessfulVariableSet(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	serial, err := BumpLinksSerialID(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), serial)
	_, err = CreateLink(ctx, db, Link{DeploymentID: d.ID, SerialID: 0, Name: "db", Type: "conn", ProviderInstanceGroup: "db", ProviderJob: "pg", ConsumerInstanceGroup: "web", ConsumerJob: "app"})
	require.NoError(t, err)
	_, err = CreateLink(ctx, db, Link{DeploymentID: d.ID, SerialID: serial, Name: "db", Type: "conn", ProviderInstanceGroup: "db", ProviderJob: "pg", ConsumerInstanceGroup: "web", ConsumerJob: "app"})
	require.NoError(t, err)

	stale, err := CleanupStaleLinks(ctx, db, d.ID, serial)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale)
}

func TestDNSTombstonesAndBlobs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, inst := seedInstance(t, db)

	require.NoError(t, ReplaceInstanceDNSRecords(ctx, db, inst.ID, []DNSRecord{{IP: "10.0.0.5", InstanceGroup: "db"}}))
	require.NoError(t, TombstoneInstanceDNSRecords(ctx, db, inst.ID))

	live, err := ListDNSRecords(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, live)

	version, err := DNSRecordsVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	n, err := DeleteDNSTombstonesBelow(ctx, db, version+1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = CreateDNSBlob(ctx, db, DNSBlob{BlobstoreID: "blob-1", SHA1: "abc", Version: version})
	require.NoError(t, err)
	blobs, err := ListDNSBlobs(ctx, db)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, version, blobs[0].Version)
}
