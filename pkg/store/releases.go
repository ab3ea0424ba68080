package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Release is a named bundle of versions.
type Release struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ReleaseVersion is one uploaded version of a release. Jobs holds the JSON
// encoded job descriptors (templates, packages, links).
type ReleaseVersion struct {
	ID          int64     `json:"id"`
	ReleaseID   int64     `json:"release_id"`
	ReleaseName string    `json:"release"`
	Version     string    `json:"version"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	Jobs        string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	Deployed    bool      `json:"currently_deployed"`
}

// Package is a package shipped by a release version.
type Package struct {
	ID               int64  `json:"id"`
	ReleaseVersionID int64  `json:"release_version_id"`
	Name             string `json:"name"`
	Fingerprint      string `json:"fingerprint"`
	Dependencies     string `json:"dependencies,omitempty"`
}

// CompiledPackage is a package compiled against one stemcell OS/version.
type CompiledPackage struct {
	ID              int64     `json:"id"`
	PackageName     string    `json:"package_name"`
	Fingerprint     string    `json:"fingerprint"`
	StemcellOS      string    `json:"stemcell_os"`
	StemcellVersion string    `json:"stemcell_version"`
	BlobstoreID     string    `json:"blobstore_id"`
	SHA1            string    `json:"sha1"`
	CreatedAt       time.Time `json:"created_at"`
}

// FindOrCreateRelease returns the named release, creating it when missing.
func FindOrCreateRelease(ctx context.Context, q Queryer, name string) (*Release, error) {
	r, err := GetRelease(ctx, q, name)
	if err == nil {
		return r, nil
	}
	if !fleeterr.IsNotFound(err) {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r = &Release{Name: name}
	if err := q.QueryRowContext(ctx, `INSERT INTO releases (name) VALUES (?) RETURNING id`, name).Scan(&r.ID); err != nil {
		return nil, fmt.Errorf("create release: %w", err)
	}
	return r, nil
}

// GetRelease loads a release by name.
func GetRelease(ctx context.Context, q Queryer, name string) (*Release, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var r Release
	err := q.QueryRowContext(ctx, `SELECT id, name FROM releases WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeReleaseNotFound, "Release '%s' doesn't exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get release: %w", err)
	}
	return &r, nil
}

// ListReleases returns all releases ordered by name.
func ListReleases(ctx context.Context, q Queryer) ([]Release, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, `SELECT id, name FROM releases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Release
	for rows.Next() {
		var r Release
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRelease removes a release that has no versions left.
func DeleteRelease(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM release_versions WHERE release_id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("count release versions: %w", err)
	}
	if n > 0 {
		return fleeterr.InvalidState(fleeterr.CodeReleaseInUse, "Release still has %d version(s)", n)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM releases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete release: %w", err)
	}
	return nil
}

// CreateReleaseVersion inserts a new version of a release.
func CreateReleaseVersion(ctx context.Context, q Queryer, rv ReleaseVersion) (*ReleaseVersion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO release_versions (release_id, version, commit_hash, jobs, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		rv.ReleaseID, rv.Version, nullableString(rv.CommitHash), nullableString(rv.Jobs), dbTime(rv.CreatedAt)).Scan(&rv.ID)
	if err != nil {
		return nil, fmt.Errorf("create release version: %w", err)
	}
	return &rv, nil
}

const releaseVersionSelect = `SELECT rv.id, rv.release_id, r.name, rv.version, rv.commit_hash, rv.jobs, rv.created_at,
	EXISTS (SELECT 1 FROM deployments_release_versions drv WHERE drv.release_version_id = rv.id)
	FROM release_versions rv JOIN releases r ON r.id = rv.release_id`

func scanReleaseVersion(row interface{ Scan(...any) error }) (*ReleaseVersion, error) {
	var rv ReleaseVersion
	var commit, jobs sql.NullString
	var createdAt string
	var deployed bool
	if err := row.Scan(&rv.ID, &rv.ReleaseID, &rv.ReleaseName, &rv.Version, &commit, &jobs, &createdAt, &deployed); err != nil {
		return nil, err
	}
	rv.CommitHash = commit.String
	rv.Jobs = jobs.String
	rv.Deployed = deployed
	var err error
	if rv.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &rv, nil
}

// GetReleaseVersion loads name/version.
func GetReleaseVersion(ctx context.Context, q Queryer, name, version string) (*ReleaseVersion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rv, err := scanReleaseVersion(q.QueryRowContext(ctx, releaseVersionSelect+` WHERE r.name = ? AND rv.version = ?`, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		if _, rerr := GetRelease(ctx, q, name); rerr != nil {
			return nil, rerr
		}
		return nil, fleeterr.NotFound(fleeterr.CodeReleaseVersionNotFound, "Release version '%s/%s' doesn't exist", name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get release version: %w", err)
	}
	return rv, nil
}

// ListReleaseVersions returns a release's versions in upload order.
func ListReleaseVersions(ctx context.Context, q Queryer, releaseID int64) ([]ReleaseVersion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, releaseVersionSelect+` WHERE rv.release_id = ? ORDER BY rv.id`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list release versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReleaseVersion
	for rows.Next() {
		rv, err := scanReleaseVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release version: %w", err)
		}
		out = append(out, *rv)
	}
	return out, rows.Err()
}

// ReleaseVersionDeployments returns the deployments using a release version.
func ReleaseVersionDeployments(ctx context.Context, q Queryer, releaseVersionID int64) ([]string, error) {
	return deploymentNamesUsing(ctx, q, "deployments_release_versions", "release_version_id", releaseVersionID)
}

// DeleteReleaseVersion removes a version and its packages.
func DeleteReleaseVersion(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM packages WHERE release_version_id = ?`,
		`DELETE FROM release_versions WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete release version: %w", err)
		}
	}
	return nil
}

// CreatePackage records a package of a release version.
func CreatePackage(ctx context.Context, q Queryer, p Package) (*Package, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO packages (release_version_id, name, fingerprint, dependencies) VALUES (?, ?, ?, ?) RETURNING id`,
		p.ReleaseVersionID, p.Name, p.Fingerprint, nullableString(p.Dependencies)).Scan(&p.ID)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	return &p, nil
}

// ListPackages returns a release version's packages ordered by name.
func ListPackages(ctx context.Context, q Queryer, releaseVersionID int64) ([]Package, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, release_version_id, name, fingerprint, dependencies FROM packages WHERE release_version_id = ? ORDER BY name`,
		releaseVersionID)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Package
	for rows.Next() {
		var p Package
		var deps sql.NullString
		if err := rows.Scan(&p.ID, &p.ReleaseVersionID, &p.Name, &p.Fingerprint, &deps); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		p.Dependencies = deps.String
		out = append(out, p)
	}
	return out, rows.Err()
}

const compiledPackageColumns = `id, package_name, fingerprint, stemcell_os, stemcell_version, blobstore_id, sha1, created_at`

func scanCompiledPackage(row interface{ Scan(...any) error }) (*CompiledPackage, error) {
	var c CompiledPackage
	var createdAt string
	if err := row.Scan(&c.ID, &c.PackageName, &c.Fingerprint, &c.StemcellOS, &c.StemcellVersion, &c.BlobstoreID, &c.SHA1, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindCompiledPackage returns the compiled package for a fingerprint on a
// stemcell OS/version, or nil.
func FindCompiledPackage(ctx context.Context, q Queryer, name, fingerprint, stemcellOS, stemcellVersion string) (*CompiledPackage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := scanCompiledPackage(q.QueryRowContext(ctx,
		`SELECT `+compiledPackageColumns+` FROM compiled_packages
		 WHERE package_name = ? AND fingerprint = ? AND stemcell_os = ? AND stemcell_version = ?`,
		name, fingerprint, stemcellOS, stemcellVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find compiled package: %w", err)
	}
	return c, nil
}

// CreateCompiledPackage records a compiled package blob.
func CreateCompiledPackage(ctx context.Context, q Queryer, c CompiledPackage) (*CompiledPackage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO compiled_packages (package_name, fingerprint, stemcell_os, stemcell_version, blobstore_id, sha1, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.PackageName, c.Fingerprint, c.StemcellOS, c.StemcellVersion, c.BlobstoreID, c.SHA1, dbTime(c.CreatedAt)).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create compiled package: %w", err)
	}
	return &c, nil
}

// ListOrphanCompiledPackages returns compiled packages whose stemcell
// OS/version no longer matches any uploaded stemcell, or whose fingerprint
// no release package carries anymore.
func ListOrphanCompiledPackages(ctx context.Context, q Queryer) ([]CompiledPackage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+compiledPackageColumns+` FROM compiled_packages cp
		 WHERE NOT EXISTS (SELECT 1 FROM stemcells s WHERE s.operating_system = cp.stemcell_os AND s.version = cp.stemcell_version)
		    OR NOT EXISTS (SELECT 1 FROM packages p WHERE p.name = cp.package_name AND p.fingerprint = cp.fingerprint)
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list orphan compiled packages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CompiledPackage
	for rows.Next() {
		c, err := scanCompiledPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compiled package: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCompiledPackage removes a compiled package row.
func DeleteCompiledPackage(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM compiled_packages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete compiled package: %w", err)
	}
	return nil
}

// DeploymentReleaseVersions returns the release versions a deployment uses.
func DeploymentReleaseVersions(ctx context.Context, q Queryer, deploymentID int64) ([]ReleaseVersion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, releaseVersionSelect+`
		JOIN deployments_release_versions j ON j.release_version_id = rv.id
		WHERE j.deployment_id = ? ORDER BY r.name, rv.id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment release versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReleaseVersion
	for rows.Next() {
		rv, err := scanReleaseVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release version: %w", err)
		}
		out = append(out, *rv)
	}
	return out, rows.Err()
}
