package release

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

// VersionLatest selects the most recently uploaded version.
const VersionLatest = "latest"

// Bound is a plan's releases and stemcells resolved to stored models.
type Bound struct {
	Releases  []store.ReleaseVersion
	Stemcells map[string]store.Stemcell
	Catalog   manifest.JobCatalog

	// packages maps release name to its version's packages by name.
	packages map[string]map[string]store.Package
}

// Bind resolves every release and stemcell the plan names.
func Bind(ctx context.Context, q store.Queryer, p *manifest.Plan) (*Bound, error) {
	b := &Bound{
		Stemcells: make(map[string]store.Stemcell),
		Catalog:   manifest.JobCatalog{},
		packages:  make(map[string]map[string]store.Package),
	}

	for _, ref := range p.Releases {
		rv, err := ResolveReleaseVersion(ctx, q, ref.Name, ref.Version.String())
		if err != nil {
			return nil, err
		}
		jobs, err := Jobs(*rv)
		if err != nil {
			return nil, err
		}
		pkgs, err := store.ListPackages(ctx, q, rv.ID)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]store.Package, len(pkgs))
		for _, pkg := range pkgs {
			byName[pkg.Name] = pkg
		}
		b.Releases = append(b.Releases, *rv)
		b.Catalog.Add(ref.Name, jobs)
		b.packages[ref.Name] = byName
	}

	for alias, ref := range p.Stemcells {
		sc, err := ResolveStemcell(ctx, q, ref)
		if err != nil {
			return nil, err
		}
		b.Stemcells[alias] = *sc
	}
	return b, nil
}

// ReleaseVersionIDs lists the ids of the bound release versions.
func (b *Bound) ReleaseVersionIDs() []int64 {
	ids := make([]int64, len(b.Releases))
	for i, rv := range b.Releases {
		ids[i] = rv.ID
	}
	return ids
}

// StemcellIDs lists the distinct ids of the bound stemcells.
func (b *Bound) StemcellIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, sc := range b.Stemcells {
		if !seen[sc.ID] {
			seen[sc.ID] = true
			ids = append(ids, sc.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Packages returns every package the group's jobs need, dependencies
// included, sorted by name.
func (b *Bound) Packages(ig *manifest.InstanceGroupPlan) ([]store.Package, error) {
	seen := make(map[string]store.Package)
	var visit func(release, name string) error
	visit = func(release, name string) error {
		key := release + "/" + name
		if _, ok := seen[key]; ok {
			return nil
		}
		pkg, ok := b.packages[release][name]
		if !ok {
			return fleeterr.Validation(fleeterr.CodeJobTemplateBindingFailed, "Package '%s' is not in release '%s'", name, release)
		}
		seen[key] = pkg
		for _, dep := range Dependencies(pkg) {
			if err := visit(release, dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, job := range ig.Jobs {
		rj, ok := b.Catalog.Lookup(job)
		if !ok {
			continue
		}
		for _, name := range rj.Packages {
			if err := visit(job.Release, name); err != nil {
				return nil, err
			}
		}
	}

	out := make([]store.Package, 0, len(seen))
	for _, pkg := range seen {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Dependencies splits a package's stored dependency list.
func Dependencies(p store.Package) []string {
	if p.Dependencies == "" {
		return nil
	}
	return strings.Split(p.Dependencies, ",")
}

// Jobs decodes a release version's job descriptors.
func Jobs(rv store.ReleaseVersion) ([]manifest.ReleaseJob, error) {
	if rv.Jobs == "" {
		return nil, nil
	}
	var jobs []manifest.ReleaseJob
	if err := json.Unmarshal([]byte(rv.Jobs), &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs of release %s/%s: %w", rv.ReleaseName, rv.Version, err)
	}
	return jobs, nil
}

// ResolveReleaseVersion loads name/version, where version may be "latest".
func ResolveReleaseVersion(ctx context.Context, q store.Queryer, name, version string) (*store.ReleaseVersion, error) {
	if version != VersionLatest {
		return store.GetReleaseVersion(ctx, q, name, version)
	}
	rel, err := store.GetRelease(ctx, q, name)
	if err != nil {
		return nil, err
	}
	versions, err := store.ListReleaseVersions(ctx, q, rel.ID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fleeterr.NotFound(fleeterr.CodeReleaseVersionNotFound, "Release '%s' has no versions", name)
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

// ResolveStemcell finds the stemcell a manifest alias points at, matching
// by OS (or name) and exact version or "latest".
func ResolveStemcell(ctx context.Context, q store.Queryer, ref manifest.StemcellRef) (*store.Stemcell, error) {
	all, err := store.ListStemcells(ctx, q)
	if err != nil {
		return nil, err
	}
	version := ref.Version.String()
	var match *store.Stemcell
	for i := range all {
		sc := &all[i]
		if ref.OS != "" && sc.OperatingSystem != ref.OS {
			continue
		}
		if ref.OS == "" && sc.Name != ref.Name {
			continue
		}
		if version == VersionLatest || sc.Version == version {
			match = sc
		}
	}
	if match == nil {
		if ref.OS != "" {
			return nil, fleeterr.NotFound(fleeterr.CodeStemcellNotFound, "Stemcell version '%s' for OS '%s' doesn't exist", version, ref.OS)
		}
		return nil, fleeterr.NotFound(fleeterr.CodeStemcellNotFound, "Stemcell '%s/%s' doesn't exist", ref.Name, version)
	}
	return match, nil
}
