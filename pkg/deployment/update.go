package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// compile compiles the packages of every group, once per stemcell. The
// result maps stemcell id to compiled package references by name.
func (o *Orchestrator) compile(ctx context.Context, t *jobrunner.Task, p *Prepared) (map[int64]map[string]cloud.PackageRef, error) {
	type unit struct {
		stemcell store.Stemcell
		pkgs     map[string]store.Package
	}
	units := make(map[int64]*unit)
	var order []int64
	for _, ig := range p.Plan.InstanceGroups {
		sc, err := p.StemcellFor(ig)
		if err != nil {
			return nil, err
		}
		pkgs, err := p.Bound.Packages(ig)
		if err != nil {
			return nil, err
		}
		u, ok := units[sc.ID]
		if !ok {
			u = &unit{stemcell: sc, pkgs: make(map[string]store.Package)}
			units[sc.ID] = u
			order = append(order, sc.ID)
		}
		for _, pkg := range pkgs {
			u.pkgs[pkg.Name] = pkg
		}
	}

	out := make(map[int64]map[string]cloud.PackageRef, len(units))
	for _, id := range order {
		u := units[id]
		if len(u.pkgs) == 0 {
			out[id] = map[string]cloud.PackageRef{}
			continue
		}
		list := make([]store.Package, 0, len(u.pkgs))
		for _, pkg := range u.pkgs {
			list = append(list, pkg)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

		refs, err := o.Compiler.Compile(ctx, t, release.CompileEnv{
			Deployment:      p.Plan.Name,
			Stemcell:        u.stemcell,
			Workers:         p.Plan.Compilation.Workers,
			AZ:              p.Plan.Compilation.AZ,
			CloudProperties: mergeProperties(compilationAZProperties(p.Plan), p.Plan.CompilationVM.CloudProperties),
			Networks:        compilationNetworks(p.Plan),
		}, list)
		if err != nil {
			return nil, err
		}
		out[id] = refs
	}
	return out, nil
}

func compilationAZProperties(p *manifest.Plan) map[string]any {
	for _, ig := range p.InstanceGroups {
		for _, az := range ig.AZs {
			if az.Name == p.Compilation.AZ {
				return az.CloudProperties
			}
		}
	}
	return nil
}

// compilationNetworks gives compilation VMs dynamic addressing on the
// compilation network.
func compilationNetworks(p *manifest.Plan) map[string]cloud.NetworkSettings {
	n, ok := p.Networks[p.Compilation.Network]
	if !ok {
		return nil
	}
	settings := cloud.NetworkSettings{Type: manifest.NetworkDynamic, CloudProperties: n.CloudProperties, Default: []string{"dns", "gateway"}}
	for _, s := range n.Subnets {
		if p.Compilation.AZ == "" || s.AZ == p.Compilation.AZ || containsString(s.AZs, p.Compilation.AZ) {
			settings.DNS = s.DNS
			if len(s.CloudProperties) > 0 {
				settings.CloudProperties = s.CloudProperties
			}
			break
		}
	}
	return map[string]cloud.NetworkSettings{n.Name: settings}
}

func mergeProperties(base, override map[string]any) map[string]any {
	if len(base) == 0 {
		return override
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// groupBatches splits service groups into batches updated one after the
// other. Consecutive non-serial groups share a batch.
func groupBatches(groups []*manifest.InstanceGroupPlan) [][]*manifest.InstanceGroupPlan {
	var out [][]*manifest.InstanceGroupPlan
	var parallel []*manifest.InstanceGroupPlan
	for _, ig := range groups {
		if ig.IsErrand() {
			continue
		}
		if !ig.Update.Serial {
			parallel = append(parallel, ig)
			continue
		}
		if len(parallel) > 0 {
			out = append(out, parallel)
			parallel = nil
		}
		out = append(out, []*manifest.InstanceGroupPlan{ig})
	}
	if len(parallel) > 0 {
		out = append(out, parallel)
	}
	return out
}

// updateGroups converges every service group and reports whether any
// instance changed.
func (o *Orchestrator) updateGroups(ctx context.Context, t *jobrunner.Task, p *Prepared, compiled map[int64]map[string]cloud.PackageRef, a UpdateArgs) (bool, error) {
	var mu sync.Mutex
	changed := false
	for _, batch := range groupBatches(p.Plan.InstanceGroups) {
		if err := t.Checkpoint(ctx); err != nil {
			return changed, err
		}
		err := workerpool.ForEach(ctx, len(batch), batch, func(ctx context.Context, ig *manifest.InstanceGroupPlan) error {
			c, err := o.updateGroup(ctx, t, p, ig, compiled, a)
			if c {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
			return err
		})
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// updateGroup updates the group's changed instances: canaries first, then
// the rest max_in_flight at a time.
func (o *Orchestrator) updateGroup(ctx context.Context, t *jobrunner.Task, p *Prepared, ig *manifest.InstanceGroupPlan, compiled map[int64]map[string]cloud.PackageRef, a UpdateArgs) (bool, error) {
	sc, err := p.StemcellFor(ig)
	if err != nil {
		return false, err
	}
	pkgs, err := p.Bound.Packages(ig)
	if err != nil {
		return false, err
	}
	refs := make(map[string]cloud.PackageRef, len(pkgs))
	for _, pkg := range pkgs {
		refs[pkg.Name] = compiled[sc.ID][pkg.Name]
	}

	var pending []*instanceUpdate
	for _, d := range p.InstancesOf(ig.Name) {
		if d.Ignored() {
			continue
		}
		u := planUpdate(p, d, sc, refs, a)
		if u.changed() {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		t.Logger.Debug("instance group up to date", zap.String("instance_group", ig.Name))
		return false, nil
	}

	stage := t.Log.BeginStage("Updating instance", len(pending), ig.Name)
	canaries := min(ig.Update.Canaries, len(pending))
	err = workerpool.ForEach(ctx, max(canaries, 1), pending[:canaries], func(ctx context.Context, u *instanceUpdate) error {
		return stage.AdvanceAndTrack(u.label()+" (canary)", func() error {
			return o.apply(ctx, t, p, u, ig.Update.CanaryWatchTime.Max, a)
		})
	})
	if err != nil {
		return true, err
	}

	rest := pending[canaries:]
	if len(rest) == 0 {
		return true, nil
	}
	if err := t.Checkpoint(ctx); err != nil {
		return true, err
	}
	err = workerpool.ForEach(ctx, ig.Update.MaxInFlightCount(ig.Instances), rest, func(ctx context.Context, u *instanceUpdate) error {
		return stage.AdvanceAndTrack(u.label(), func() error {
			return o.apply(ctx, t, p, u, ig.Update.UpdateWatchTime.Max, a)
		})
	})
	return true, err
}

// instanceUpdate is what one instance needs to reach its desired state.
type instanceUpdate struct {
	d       *DesiredInstance
	spec    cloud.ApplySpec
	vm      instance.VMSpec
	disk    *instance.DiskSpec
	desired store.InstanceState

	create   bool
	recreate bool
	restart  bool
	start    bool
	dirty    bool
}

func (u *instanceUpdate) changed() bool {
	return u.create || u.recreate || u.restart || u.start || u.dirty ||
		len(u.d.newIPs) > 0 || len(u.d.staleIPs) > 0
}

func (u *instanceUpdate) label() string {
	return fmt.Sprintf("%s (%d)", u.d.Name(), u.d.Index)
}

func planUpdate(p *Prepared, d *DesiredInstance, sc store.Stemcell, refs map[string]cloud.PackageRef, a UpdateArgs) *instanceUpdate {
	ig := d.Group
	u := &instanceUpdate{
		d: d,
		spec: cloud.ApplySpec{
			Deployment:        p.Plan.Name,
			Job:               ig.Name,
			Index:             d.Index,
			ID:                d.UUID,
			AZ:                d.AZ,
			Networks:          d.Networks,
			Packages:          refs,
			Templates:         renderedTemplates(d.Rendered),
			ConfigurationHash: d.Rendered.ConfigurationHash,
		},
		vm: instance.VMSpec{
			StemcellCID:     sc.CID,
			CloudProperties: mergeProperties(azProperties(ig, d.AZ), ig.VMType.CloudProperties),
			Networks:        d.Networks,
			Env:             ig.Env,
		},
		desired: store.InstanceStarted,
	}
	if ig.Disk != nil {
		u.spec.PersistentDisk = ig.Disk.DiskSize
		u.disk = &instance.DiskSpec{Size: ig.Disk.DiskSize, CloudProperties: ig.Disk.CloudProperties}
	}

	e := d.Existing
	if e == nil {
		u.create = true
		return u
	}
	if e.State == store.InstanceStopped || e.State == store.InstanceDetached {
		u.desired = e.State
	}

	var prev cloud.ApplySpec
	decoded := e.Spec != "" && json.Unmarshal([]byte(e.Spec), &prev) == nil

	u.create = !e.HasVM() && u.desired != store.InstanceDetached
	u.recreate = e.HasVM() && (a.Recreate || e.StemcellCID != sc.CID || networksChanged(prev.Networks, d.Networks))
	u.restart = !decoded ||
		e.ConfigurationHash != u.spec.ConfigurationHash ||
		!packagesEqual(prev.Packages, refs) ||
		prev.PersistentDisk != u.spec.PersistentDisk ||
		e.Bootstrap != d.Bootstrap
	u.start = u.desired == store.InstanceStarted && e.State != store.InstanceStarted
	u.dirty = !e.UpdateCompleted
	return u
}

func azProperties(ig *manifest.InstanceGroupPlan, name string) map[string]any {
	for _, az := range ig.AZs {
		if az.Name == name {
			return az.CloudProperties
		}
	}
	return nil
}

func renderedTemplates(r *manifest.RenderedInstance) map[string]string {
	if r == nil {
		return nil
	}
	out := make(map[string]string)
	for _, job := range r.Jobs {
		for path, content := range job.Templates {
			out[job.Name+"/"+path] = content
		}
	}
	return out
}

func networksChanged(prev, now map[string]cloud.NetworkSettings) bool {
	if len(prev) != len(now) {
		return true
	}
	for name, n := range now {
		p, ok := prev[name]
		if !ok || p.Type != n.Type || p.IP != n.IP {
			return true
		}
	}
	return false
}

func packagesEqual(a, b map[string]cloud.PackageRef) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ref := range a {
		if b[name] != ref {
			return false
		}
	}
	return true
}

// apply moves one instance to its desired state.
func (o *Orchestrator) apply(ctx context.Context, t *jobrunner.Task, p *Prepared, u *instanceUpdate, watch time.Duration, a UpdateArgs) error {
	if err := t.Checkpoint(ctx); err != nil {
		return err
	}
	d := u.d
	deployment := p.Plan.Name

	inst := d.Existing
	if inst == nil {
		created, err := store.CreateInstance(ctx, t.DB, store.Instance{
			DeploymentID:     p.Deployment.ID,
			Job:              d.Group.Name,
			Index:            d.Index,
			UUID:             d.UUID,
			State:            store.InstanceDetached,
			Lifecycle:        d.Group.Lifecycle,
			AvailabilityZone: d.AZ,
			Bootstrap:        d.Bootstrap,
		})
		if err != nil {
			return err
		}
		inst = created
		d.Existing = created
	} else if err := store.SetInstanceUpdateCompleted(ctx, t.DB, inst.ID, false); err != nil {
		return err
	}

	stop := instance.StopOptions{SkipDrain: a.SkipDrain}
	switch {
	case u.recreate:
		stop.Hard = true
		if err := o.Instances.Stop(ctx, t, deployment, inst, stop); err != nil {
			return err
		}
	case u.restart && inst.HasVM() && inst.State == store.InstanceStarted:
		if err := o.Instances.Stop(ctx, t, deployment, inst, stop); err != nil {
			return err
		}
	}

	if err := bindAddresses(ctx, t, d, inst.ID); err != nil {
		return err
	}
	if u.desired != store.InstanceDetached && !inst.HasVM() {
		if err := o.Instances.CreateVM(ctx, t, deployment, inst, u.vm); err != nil {
			return err
		}
	}
	if err := o.Instances.UpdateDisk(ctx, t, deployment, inst, u.disk); err != nil {
		return err
	}

	spec, err := json.Marshal(u.spec)
	if err != nil {
		return fmt.Errorf("encode spec of %s: %w", inst.Name(), err)
	}
	var vsID *int64
	if p.VariableSet != nil {
		vsID = &p.VariableSet.ID
	}
	if err := store.UpdateInstanceSpec(ctx, t.DB, inst.ID, string(spec), u.spec.ConfigurationHash, vsID); err != nil {
		return err
	}
	inst.Spec, inst.ConfigurationHash, inst.VariableSetID = string(spec), u.spec.ConfigurationHash, vsID
	if inst.Bootstrap != d.Bootstrap {
		if err := store.SetInstanceBootstrap(ctx, t.DB, inst.ID, d.Bootstrap); err != nil {
			return err
		}
		inst.Bootstrap = d.Bootstrap
	}

	switch u.desired {
	case store.InstanceStarted:
		if err := o.Instances.Start(ctx, t, deployment, inst, instance.StartOptions{Spec: &u.spec, WatchTime: watch}); err != nil {
			return err
		}
	case store.InstanceStopped:
		if inst.HasVM() {
			if err := o.Agents.ForAgent(inst.AgentID).Apply(ctx, u.spec); err != nil {
				return err
			}
			if inst.State != store.InstanceStopped {
				if err := store.UpdateInstanceState(ctx, t.DB, inst.ID, store.InstanceStopped); err != nil {
					return err
				}
				inst.State = store.InstanceStopped
			}
		}
	}
	if err := store.SetInstanceUpdateCompleted(ctx, t.DB, inst.ID, true); err != nil {
		return err
	}
	inst.UpdateCompleted = true
	return nil
}

// bindAddresses hands the run's new reservations to the instance and
// drops the ones it no longer uses.
func bindAddresses(ctx context.Context, t *jobrunner.Task, d *DesiredInstance, instanceID int64) error {
	if len(d.newIPs) == 0 && len(d.staleIPs) == 0 {
		return nil
	}
	err := t.DB.InTx(ctx, func(tx *store.Tx) error {
		for _, id := range d.staleIPs {
			if err := store.DeleteIPReservation(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, ip := range d.newIPs {
			if err := store.BindIPToInstance(ctx, tx, ip.ID, instanceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.newIPs, d.staleIPs = nil, nil
	return nil
}

// deleteObsolete deletes instances the plan no longer asks for.
func (o *Orchestrator) deleteObsolete(ctx context.Context, t *jobrunner.Task, p *Prepared) (int, error) {
	if len(p.Obsolete) == 0 {
		return 0, nil
	}
	stage := t.Log.BeginStage("Deleting unneeded instances", len(p.Obsolete))
	err := workerpool.ForEach(ctx, o.maxThreads(), p.Obsolete, func(ctx context.Context, inst store.Instance) error {
		return stage.AdvanceAndTrack(inst.Name(), func() error {
			return o.Instances.Delete(ctx, t, p.Plan.Name, &inst, instance.StopOptions{})
		})
	})
	if err != nil {
		return 0, err
	}
	return len(p.Obsolete), nil
}

// publishDNS snapshots the local DNS records into the blobstore.
func (o *Orchestrator) publishDNS(ctx context.Context, t *jobrunner.Task) error {
	records, err := store.ListDNSRecords(ctx, t.DB)
	if err != nil {
		return err
	}
	version, err := store.DNSRecordsVersion(ctx, t.DB)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"version": version, "records": records})
	if err != nil {
		return fmt.Errorf("encode dns records: %w", err)
	}
	id, sum, err := blobstore.CreateWithSHA1(ctx, o.Blobs, bytes.NewReader(body))
	if err != nil {
		return err
	}
	_, err = store.CreateDNSBlob(ctx, t.DB, store.DNSBlob{BlobstoreID: id, SHA1: sum, Version: version})
	return err
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}
