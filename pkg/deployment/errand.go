package deployment

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

// ErrandInstance is one instance of an errand group planned for a run.
type ErrandInstance struct {
	Desired *DesiredInstance

	// Spec is what the agent receives before the errand runs.
	Spec cloud.ApplySpec

	update *instanceUpdate
}

// PackagesSpec is the canonical encoding of the instance's compiled
// packages, compared across runs.
func (e *ErrandInstance) PackagesSpec() string {
	names := make([]string, 0, len(e.Spec.Packages))
	for name := range e.Spec.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	refs := make([]cloud.PackageRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, e.Spec.Packages[name])
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

// PlanErrand compiles packages and plans every non-ignored instance of
// the errand group. p must come from Prepare with Errand set to group.
func (o *Orchestrator) PlanErrand(ctx context.Context, t *jobrunner.Task, p *Prepared, group string) ([]*ErrandInstance, error) {
	ig := p.Plan.InstanceGroup(group)
	if ig == nil {
		return nil, fleeterr.NotFound(fleeterr.CodeRunErrandError, "Errand '%s' doesn't exist", group)
	}
	if !ig.IsErrand() {
		return nil, fleeterr.Validation(fleeterr.CodeRunErrandError,
			"Instance group '%s' is not an errand. To mark an instance group as an errand set its lifecycle to 'errand' in the deployment manifest.", group)
	}
	if ig.Instances < 1 {
		return nil, fleeterr.InvalidState(fleeterr.CodeRunErrandError, "Errand '%s' should have at least 1 instance", group)
	}

	compiled, err := o.compile(ctx, t, p)
	if err != nil {
		return nil, err
	}
	sc, err := p.StemcellFor(ig)
	if err != nil {
		return nil, err
	}
	pkgs, err := p.Bound.Packages(ig)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]cloud.PackageRef, len(pkgs))
	for _, pkg := range pkgs {
		refs[pkg.Name] = compiled[sc.ID][pkg.Name]
	}

	var out []*ErrandInstance
	for _, d := range p.InstancesOf(group) {
		if d.Ignored() {
			continue
		}
		u := planUpdate(p, d, sc, refs, UpdateArgs{})
		u.desired = store.InstanceStopped
		u.create = d.Existing == nil || !d.Existing.HasVM()
		out = append(out, &ErrandInstance{Desired: d, Spec: u.spec, update: u})
	}
	return out, nil
}

// ConvergeErrand brings a planned errand instance to a VM with its spec
// applied and jobs stopped, ready to run the errand. On failure the
// instance is still returned when one was recorded, so callers can delete
// a VM created before the failure.
func (o *Orchestrator) ConvergeErrand(ctx context.Context, t *jobrunner.Task, p *Prepared, e *ErrandInstance) (*store.Instance, error) {
	err := o.apply(ctx, t, p, e.update, 0, UpdateArgs{})
	return e.Desired.Existing, err
}
