package deployment

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
)

// PrepareOptions control how much of a plan Prepare commits.
type PrepareOptions struct {
	Manifest        *manifest.Deployment
	ManifestText    string
	CloudConfigID   *int64
	RuntimeConfigID *int64

	// Deploy allocates a new variable set and links serial id. Without
	// it variables come from the deployment's current set.
	Deploy bool

	// DryRun commits nothing: no addresses are reserved and generated
	// variable values are kept in memory.
	DryRun bool

	ForceLatestVariables bool

	// Errand plans addresses for this errand group only. When empty,
	// every service group gets addresses.
	Errand string
}

// Prepared is a deployment resolved for one run.
type Prepared struct {
	Deployment      *store.Deployment
	Plan            *manifest.Plan
	Bound           *release.Bound
	Links           []manifest.Link
	Variables       map[string]string
	VariableSet     *store.VariableSet
	LinksSerialID   int64
	CloudConfigID   *int64
	RuntimeConfigID *int64

	// Instances are the desired instances in plan order.
	Instances []*DesiredInstance

	// Obsolete are existing instances the plan no longer asks for.
	Obsolete []store.Instance
}

// DesiredInstance is one instance the plan asks for, matched to its
// existing record when there is one.
type DesiredInstance struct {
	Group     *manifest.InstanceGroupPlan
	Index     int
	UUID      string
	AZ        string
	Bootstrap bool
	Existing  *store.Instance

	// Networks holds the settings of every network the group binds.
	Networks map[string]cloud.NetworkSettings
	Rendered *manifest.RenderedInstance

	newIPs   []store.IPAddress
	staleIPs []int64
}

// Name returns "<group>/<uuid>".
func (d *DesiredInstance) Name() string {
	return d.Group.Name + "/" + d.UUID
}

// Ignored reports whether the existing instance is marked ignore.
func (d *DesiredInstance) Ignored() bool {
	return d.Existing != nil && d.Existing.Ignore
}

func (d *DesiredInstance) defaultNetwork() string {
	for _, b := range d.Group.Networks {
		for _, def := range b.Default {
			if def == "gateway" {
				return b.Network.Name
			}
		}
	}
	if len(d.Group.Networks) > 0 {
		return d.Group.Networks[0].Network.Name
	}
	return ""
}

// Address is the instance's IP on its default network, or its local DNS
// name when that network has no static address.
func (d *DesiredInstance) Address(deployment string) string {
	network := d.defaultNetwork()
	if s, ok := d.Networks[network]; ok && s.IP != "" {
		return s.IP
	}
	return strings.Join([]string{d.UUID, canonical(d.Group.Name), canonical(network), canonical(deployment), instance.DNSDomain}, ".")
}

func canonical(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

func (d *DesiredInstance) context(deployment string) manifest.InstanceContext {
	ips := make(map[string]string, len(d.Networks))
	for name, n := range d.Networks {
		ips[name] = n.IP
	}
	return manifest.InstanceContext{
		Deployment: deployment,
		ID:         d.UUID,
		Index:      d.Index,
		AZ:         d.AZ,
		Bootstrap:  d.Bootstrap,
		Address:    d.Address(deployment),
		Networks:   ips,
	}
}

// Prepare resolves a manifest against the deployment's configs, releases
// and stemcells, pairs its links, resolves variables and plans instances
// and their addresses. The returned Prepared is non-nil whenever a
// variable set was allocated, even on error.
func (o *Orchestrator) Prepare(ctx context.Context, t *jobrunner.Task, dep *store.Deployment, opts PrepareOptions) (*Prepared, error) {
	prep := &Prepared{
		Deployment:      dep,
		LinksSerialID:   dep.LinksSerialID,
		CloudConfigID:   opts.CloudConfigID,
		RuntimeConfigID: opts.RuntimeConfigID,
	}

	var pinned *store.VariableSet
	var err error
	if opts.Deploy {
		if pinned, err = store.LastSuccessfulVariableSet(ctx, t.DB, dep.ID); err != nil {
			return nil, err
		}
		if prep.VariableSet, err = store.CreateVariableSet(ctx, t.DB, dep.ID); err != nil {
			return nil, err
		}
		if prep.LinksSerialID, err = store.BumpLinksSerialID(ctx, t.DB, dep.ID); err != nil {
			return prep, err
		}
	} else {
		if pinned, err = store.CurrentVariableSet(ctx, t.DB, dep.ID); err != nil {
			return nil, err
		}
		prep.VariableSet = pinned
	}

	cc, rc, err := loadConfigs(ctx, t.DB, opts.CloudConfigID, opts.RuntimeConfigID)
	if err != nil {
		return prep, err
	}
	if prep.Plan, err = manifest.NewPlan(opts.Manifest, cc, rc); err != nil {
		return prep, err
	}
	if prep.Bound, err = release.Bind(ctx, t.DB, prep.Plan); err != nil {
		return prep, err
	}
	if err := prep.Bound.Catalog.Bind(prep.Plan); err != nil {
		return prep, err
	}
	if prep.Links, err = manifest.ResolveLinks(prep.Plan, prep.Bound.Catalog); err != nil {
		return prep, err
	}

	changed, err := stemcellsChanged(ctx, t.DB, dep.ID, prep.Bound)
	if err != nil {
		return prep, err
	}
	target := prep.VariableSet
	if !opts.Deploy {
		target = nil
	}
	prep.Variables, err = o.resolveVariables(ctx, t, variableRequest{
		deployment: dep,
		plan:       prep.Plan,
		pinned:     pinned,
		target:     target,
		latest:     opts.ForceLatestVariables || changed,
		persist:    !opts.DryRun,
	})
	if err != nil {
		return prep, err
	}

	if prep.Instances, prep.Obsolete, err = desiredInstances(ctx, t.DB, dep, prep.Plan); err != nil {
		return prep, err
	}
	if err := o.planNetworks(ctx, t, prep, opts.Errand, !opts.DryRun); err != nil {
		return prep, err
	}
	return prep, nil
}

func loadConfigs(ctx context.Context, q store.Queryer, cloudID, runtimeID *int64) (*manifest.CloudConfig, *manifest.RuntimeConfig, error) {
	var cc *manifest.CloudConfig
	var rc *manifest.RuntimeConfig
	if cloudID != nil {
		rec, err := store.GetConfig(ctx, q, *cloudID)
		if err != nil {
			return nil, nil, err
		}
		if cc, err = manifest.LoadCloudConfig([]byte(rec.Content)); err != nil {
			return nil, nil, err
		}
	}
	if runtimeID != nil {
		rec, err := store.GetConfig(ctx, q, *runtimeID)
		if err != nil {
			return nil, nil, err
		}
		if rc, err = manifest.LoadRuntimeConfig([]byte(rec.Content)); err != nil {
			return nil, nil, err
		}
	}
	return cc, rc, nil
}

// stemcellsChanged reports whether a previously deployed deployment is
// moving to a different set of stemcell versions.
func stemcellsChanged(ctx context.Context, q store.Queryer, deploymentID int64, b *release.Bound) (bool, error) {
	prev, err := store.DeploymentStemcells(ctx, q, deploymentID)
	if err != nil || len(prev) == 0 {
		return false, err
	}
	was := make(map[string]bool, len(prev))
	for _, sc := range prev {
		was[sc.Name+"/"+sc.Version] = true
	}
	now := make(map[string]bool, len(b.Stemcells))
	for _, sc := range b.Stemcells {
		now[sc.Name+"/"+sc.Version] = true
	}
	if len(was) != len(now) {
		return true, nil
	}
	for k := range now {
		if !was[k] {
			return true, nil
		}
	}
	return false, nil
}

// desiredInstances matches the plan's instances to existing records by
// group and index. Records left over are obsolete.
func desiredInstances(ctx context.Context, q store.Queryer, dep *store.Deployment, p *manifest.Plan) ([]*DesiredInstance, []store.Instance, error) {
	existing, err := store.ListInstances(ctx, q, dep.ID)
	if err != nil {
		return nil, nil, err
	}
	byKey := make(map[string]*store.Instance, len(existing))
	for i := range existing {
		byKey[fmt.Sprintf("%s/%d", existing[i].Job, existing[i].Index)] = &existing[i]
	}

	var desired []*DesiredInstance
	for _, ig := range p.InstanceGroups {
		for i := 0; i < ig.Instances; i++ {
			d := &DesiredInstance{Group: ig, Index: i, Bootstrap: i == 0}
			key := fmt.Sprintf("%s/%d", ig.Name, i)
			if e, ok := byKey[key]; ok {
				d.Existing = e
				d.UUID = e.UUID
				delete(byKey, key)
			} else {
				d.UUID = uuid.NewString()
			}
			d.AZ = placeAZ(ig, i, d.Existing)
			desired = append(desired, d)
		}
	}

	var obsolete []store.Instance
	for _, inst := range byKey {
		obsolete = append(obsolete, *inst)
	}
	sort.Slice(obsolete, func(i, j int) bool {
		if obsolete[i].Job != obsolete[j].Job {
			return obsolete[i].Job < obsolete[j].Job
		}
		return obsolete[i].Index < obsolete[j].Index
	})
	return desired, obsolete, nil
}

// placeAZ keeps an instance in its current zone while the group still
// lists it, and otherwise spreads instances round-robin.
func placeAZ(ig *manifest.InstanceGroupPlan, index int, existing *store.Instance) string {
	if len(ig.AZs) == 0 {
		return ""
	}
	if existing != nil {
		for _, az := range ig.AZs {
			if az.Name == existing.AvailabilityZone {
				return az.Name
			}
		}
	}
	return ig.AZs[index%len(ig.AZs)].Name
}

// checkObsolete refuses plans that would delete ignored instances.
func (p *Prepared) checkObsolete() error {
	ignored := make(map[string]int)
	var groups []string
	for _, inst := range p.Obsolete {
		if !inst.Ignore {
			continue
		}
		if ignored[inst.Job] == 0 {
			groups = append(groups, inst.Job)
		}
		ignored[inst.Job]++
	}
	for _, name := range groups {
		ig := p.Plan.InstanceGroup(name)
		if ig == nil {
			return fleeterr.InvalidState(fleeterr.CodeDeploymentIgnoredInstancesModification,
				"You are trying to delete instance group '%s', which contains ignored instance(s). Operation not allowed.", name)
		}
		return fleeterr.InvalidState(fleeterr.CodeDeploymentIgnoredInstancesModification,
			"Instance group '%s' has %d ignored instance(s). %d instance(s) of that instance group were requested. Deleting ignored instances is not allowed.",
			name, ignored[name], ig.Instances)
	}
	return nil
}

func (p *Prepared) hasIgnored() bool {
	for _, d := range p.Instances {
		if d.Ignored() {
			return true
		}
	}
	return false
}

// Renderer returns a template renderer seeded with every service
// instance as a link target.
func (p *Prepared) Renderer() *manifest.Renderer {
	targets := make(map[string][]manifest.LinkInstance)
	for _, d := range p.Instances {
		if d.Group.IsErrand() {
			continue
		}
		targets[d.Group.Name] = append(targets[d.Group.Name], manifest.LinkInstance{
			Name:      d.Group.Name,
			ID:        d.UUID,
			Index:     d.Index,
			AZ:        d.AZ,
			Address:   d.Address(p.Plan.Name),
			Bootstrap: d.Bootstrap,
		})
	}
	return &manifest.Renderer{
		Plan:          p.Plan,
		Catalog:       p.Bound.Catalog,
		Links:         p.Links,
		LinkInstances: targets,
		Variables:     p.Variables,
	}
}

// RenderAll renders every instance that is not ignored. Failures across
// all instances are reported as one error.
func (p *Prepared) RenderAll() error {
	r := p.Renderer()
	var errs []manifest.TemplateError
	for _, d := range p.Instances {
		if d.Ignored() {
			continue
		}
		rendered, terrs := r.Render(d.Group, d.context(p.Plan.Name))
		errs = append(errs, terrs...)
		d.Rendered = rendered
	}
	return manifest.RenderFailure(errs)
}

// InstancesOf returns the desired instances of one group.
func (p *Prepared) InstancesOf(group string) []*DesiredInstance {
	var out []*DesiredInstance
	for _, d := range p.Instances {
		if d.Group.Name == group {
			out = append(out, d)
		}
	}
	return out
}

// StemcellFor returns the stemcell a group runs on. A group without a
// stemcell alias uses the deployment's only stemcell.
func (p *Prepared) StemcellFor(ig *manifest.InstanceGroupPlan) (store.Stemcell, error) {
	if ig.Stemcell.Alias != "" {
		if sc, ok := p.Bound.Stemcells[ig.Stemcell.Alias]; ok {
			return sc, nil
		}
	}
	if len(p.Bound.Stemcells) == 1 {
		for _, sc := range p.Bound.Stemcells {
			return sc, nil
		}
	}
	return store.Stemcell{}, fleeterr.Validation(fleeterr.CodeInstanceGroupUnknownStemcell,
		"Instance group '%s' must name one of the deployment's stemcells", ig.Name)
}

func sortedNetworkNames(p *manifest.Plan) []string {
	names := make([]string, 0, len(p.Networks))
	for name := range p.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
