// Package deployment converges a deployment to its manifest: it resolves
// the manifest into a plan, compiles packages, reserves addresses, renders
// job templates and updates instance groups in canary and max_in_flight
// batches. It also deletes deployments.
package deployment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// Job types registered by this package.
const (
	TypeUpdate = "update_deployment"
	TypeDelete = "delete_deployment"
)

// DefaultLockTimeout bounds the wait for the deployment lock.
const DefaultLockTimeout = 10 * time.Second

// Orchestrator runs deploys and deployment deletions.
type Orchestrator struct {
	CPI       cloud.CPI
	Agents    cloud.Agents
	Blobs     blobstore.Blobstore
	Instances *instance.Manager
	Compiler  *release.Compiler

	LockTimeout time.Duration

	// MaxThreads bounds parallel instance deletion and post-deploy scripts.
	MaxThreads int

	// EnablePostDeploy runs the post-deploy script on every started
	// instance after a deploy that changed something.
	EnablePostDeploy bool
}

// UpdateArgs are the arguments of an update_deployment task. Nil config
// ids deploy without that config.
type UpdateArgs struct {
	Manifest             string `json:"manifest" validate:"required"`
	CloudConfigID        *int64 `json:"cloud_config_id,omitempty"`
	RuntimeConfigID      *int64 `json:"runtime_config_id,omitempty"`
	DryRun               bool   `json:"dry_run,omitempty"`
	Deploy               bool   `json:"deploy,omitempty"`
	New                  bool   `json:"new,omitempty"`
	ForceLatestVariables bool   `json:"force_latest_variables,omitempty"`
	Recreate             bool   `json:"recreate,omitempty"`
	SkipDrain            bool   `json:"skip_drain,omitempty"`
}

// DeleteArgs are the arguments of a delete_deployment task.
type DeleteArgs struct {
	Name  string `json:"deployment_name" validate:"required"`
	Force bool   `json:"force,omitempty"`
}

func (o *Orchestrator) lockTimeout() time.Duration {
	if o.LockTimeout > 0 {
		return o.LockTimeout
	}
	return DefaultLockTimeout
}

func (o *Orchestrator) maxThreads() int {
	if o.MaxThreads > 0 {
		return o.MaxThreads
	}
	return 4
}

// Register adds the deployment jobs to r.
func Register(r *jobrunner.Registry, o *Orchestrator) error {
	if err := jobrunner.Register(r, TypeUpdate, jobrunner.QueueNormal, func(a UpdateArgs) (jobrunner.Job, error) {
		return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) {
			return o.UpdateJob(ctx, t, a)
		}), nil
	}); err != nil {
		return err
	}
	return jobrunner.Register(r, TypeDelete, jobrunner.QueueNormal, func(a DeleteArgs) (jobrunner.Job, error) {
		return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) {
			return o.DeleteJob(ctx, t, a)
		}), nil
	})
}

// LatestConfigIDs returns the ids of the newest default cloud and runtime
// configs, for callers enqueueing a deploy.
func LatestConfigIDs(ctx context.Context, q store.Queryer) (cloudConfigID, runtimeConfigID *int64, err error) {
	cc, err := store.LatestConfig(ctx, q, store.ConfigTypeCloud, "default")
	if err != nil {
		return nil, nil, err
	}
	rc, err := store.LatestConfig(ctx, q, store.ConfigTypeRuntime, "default")
	if err != nil {
		return nil, nil, err
	}
	if cc != nil {
		cloudConfigID = &cc.ID
	}
	if rc != nil {
		runtimeConfigID = &rc.ID
	}
	return cloudConfigID, runtimeConfigID, nil
}

// UpdateJob deploys a manifest. The audit event pair brackets the whole
// run and carries the releases and stemcells before and after.
func (o *Orchestrator) UpdateJob(ctx context.Context, t *jobrunner.Task, a UpdateArgs) (string, error) {
	m, err := manifest.LoadDeployment([]byte(a.Manifest))
	if err != nil {
		return "", err
	}
	t.Deployment = m.Name
	var result string
	err = t.Locks.WithLock(ctx, lock.Deployment(m.Name), o.lockTimeout(), func(ctx context.Context) error {
		var err error
		result, err = o.updateLocked(ctx, t, m, a)
		return err
	})
	return result, err
}

// updateLocked runs under the deployment lock from the deployment lookup
// through the closing audit event.
func (o *Orchestrator) updateLocked(ctx context.Context, t *jobrunner.Task, m *manifest.Deployment, a UpdateArgs) (string, error) {
	dep, created, err := store.FindOrCreateDeployment(ctx, t.DB, m.Name)
	if err != nil {
		return "", err
	}
	before, err := deployedVersions(ctx, t.DB, dep.ID)
	if err != nil {
		return "", err
	}

	action := "update"
	if a.New || created {
		action = "create"
	}
	entry := eventlog.Entry{Action: action, ObjectType: "deployment", ObjectName: dep.Name, Deployment: dep.Name}
	begin, err := t.Events.Begin(ctx, entry)
	if err != nil {
		return "", err
	}

	prep, opErr := o.update(ctx, t, dep, m, a)

	if opErr != nil && !a.DryRun {
		if n, err := store.DeleteOrphanedIPReservations(context.WithoutCancel(ctx), t.DB, dep.ID); err != nil {
			t.Logger.Warn("failed to release unbound ip reservations", zap.Error(err))
		} else if n > 0 {
			t.Logger.Info("released unbound ip reservations", zap.Int64("count", n))
		}
	}

	after, err := deployedVersions(context.WithoutCancel(ctx), t.DB, dep.ID)
	if err != nil {
		t.Logger.Warn("failed to read deployed versions", zap.Error(err))
	}
	entry.Context = versionContext(before, after)
	if _, err := t.Events.End(context.WithoutCancel(ctx), begin, entry, opErr); err != nil && opErr == nil {
		opErr = err
	}

	if prep != nil && prep.VariableSet != nil && prep.VariableSet.Writable {
		if err := store.SetVariableSetWritable(context.WithoutCancel(ctx), t.DB, prep.VariableSet.ID, false); err != nil {
			t.Logger.Warn("failed to seal variable set", zap.Int64("variable_set_id", prep.VariableSet.ID), zap.Error(err))
		}
	}
	if opErr != nil {
		return "", opErr
	}
	return "/deployments/" + dep.Name, nil
}

// update plans and converges a deploy. The returned Prepared is set as
// soon as planning got far enough to allocate a variable set.
func (o *Orchestrator) update(ctx context.Context, t *jobrunner.Task, dep *store.Deployment, m *manifest.Deployment, a UpdateArgs) (*Prepared, error) {
	var prep *Prepared
	stage := t.Log.BeginStage("Preparing deployment", 1)
	err := stage.AdvanceAndTrack("Preparing deployment", func() error {
		var err error
		prep, err = o.Prepare(ctx, t, dep, PrepareOptions{
			Manifest:             m,
			ManifestText:         a.Manifest,
			CloudConfigID:        a.CloudConfigID,
			RuntimeConfigID:      a.RuntimeConfigID,
			Deploy:               a.Deploy && !a.DryRun,
			DryRun:               a.DryRun,
			ForceLatestVariables: a.ForceLatestVariables,
		})
		return err
	})
	if err != nil {
		return prep, err
	}

	if err := prep.checkObsolete(); err != nil {
		return prep, err
	}
	if prep.hasIgnored() {
		t.Log.Warn("You have ignored instances. They will not be changed.")
	}
	if err := prep.RenderAll(); err != nil {
		return prep, err
	}
	if a.DryRun {
		t.Logger.Info("dry run finished", zap.String("deployment", dep.Name), zap.Int("instances", len(prep.Instances)))
		return prep, nil
	}

	if err := o.recordVersions(ctx, t, prep, true); err != nil {
		return prep, err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return prep, err
	}

	compiled, err := o.compile(ctx, t, prep)
	if err != nil {
		return prep, err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return prep, err
	}

	deleted, err := o.deleteObsolete(ctx, t, prep)
	if err != nil {
		return prep, err
	}
	changed, err := o.updateGroups(ctx, t, prep, compiled, a)
	if err != nil {
		return prep, err
	}
	changed = changed || deleted > 0

	if changed && o.EnablePostDeploy {
		if err := o.runPostDeploy(ctx, t, prep); err != nil {
			return prep, err
		}
	}
	if err := o.finish(ctx, t, prep, a); err != nil {
		return prep, err
	}
	if changed {
		if err := o.publishDNS(ctx, t); err != nil {
			t.Logger.Warn("failed to publish dns records", zap.Error(err))
		}
	}
	t.Logger.Info("deployment updated",
		zap.String("deployment", dep.Name),
		zap.Bool("changed", changed),
		zap.Int("obsolete_deleted", deleted))
	return prep, nil
}

// versions names a deployment's releases and stemcells as "name/version".
type versions struct {
	Releases  []string
	Stemcells []string
}

func deployedVersions(ctx context.Context, q store.Queryer, deploymentID int64) (versions, error) {
	var v versions
	rvs, err := store.DeploymentReleaseVersions(ctx, q, deploymentID)
	if err != nil {
		return v, err
	}
	for _, rv := range rvs {
		v.Releases = append(v.Releases, rv.ReleaseName+"/"+rv.Version)
	}
	scs, err := store.DeploymentStemcells(ctx, q, deploymentID)
	if err != nil {
		return v, err
	}
	for _, sc := range scs {
		v.Stemcells = append(v.Stemcells, sc.Name+"/"+sc.Version)
	}
	return v, nil
}

func versionContext(before, after versions) map[string]any {
	side := func(v versions) map[string]any {
		out := map[string]any{}
		if len(v.Releases) > 0 {
			out["releases"] = v.Releases
		}
		if len(v.Stemcells) > 0 {
			out["stemcells"] = v.Stemcells
		}
		return out
	}
	return map[string]any{"before": side(before), "after": side(after)}
}

// recordVersions joins the deployment to its bound releases and stemcells.
// While the deploy runs (union true) the previous ones stay joined so
// they cannot be deleted underneath running instances.
func (o *Orchestrator) recordVersions(ctx context.Context, t *jobrunner.Task, p *Prepared, union bool) error {
	rvIDs := p.Bound.ReleaseVersionIDs()
	scIDs := p.Bound.StemcellIDs()
	return t.DB.InTx(ctx, func(tx *store.Tx) error {
		if union {
			prevRVs, err := store.DeploymentReleaseVersions(ctx, tx, p.Deployment.ID)
			if err != nil {
				return err
			}
			for _, rv := range prevRVs {
				rvIDs = appendUnique(rvIDs, rv.ID)
			}
			prevSCs, err := store.DeploymentStemcells(ctx, tx, p.Deployment.ID)
			if err != nil {
				return err
			}
			for _, sc := range prevSCs {
				scIDs = appendUnique(scIDs, sc.ID)
			}
		}
		if err := store.SetDeploymentReleaseVersions(ctx, tx, p.Deployment.ID, rvIDs); err != nil {
			return err
		}
		return store.SetDeploymentStemcells(ctx, tx, p.Deployment.ID, scIDs)
	})
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// finish records a successful deploy: the variable set, links, manifest,
// release and stemcell joins and managed networks.
func (o *Orchestrator) finish(ctx context.Context, t *jobrunner.Task, p *Prepared, a UpdateArgs) error {
	if err := o.recordVersions(ctx, t, p, false); err != nil {
		return err
	}
	var orphanedNetworks []string
	err := t.DB.InTx(ctx, func(tx *store.Tx) error {
		if a.Deploy && p.VariableSet != nil {
			if err := store.MarkVariableSetDeployed(ctx, tx, p.VariableSet.ID); err != nil {
				return err
			}
			if _, err := store.CleanUnusedVariableSets(ctx, tx, p.Deployment.ID, []int64{p.VariableSet.ID}); err != nil {
				return err
			}
			for _, l := range p.Links {
				content, err := encodeJSON(l.Properties)
				if err != nil {
					return err
				}
				if _, err := store.CreateLink(ctx, tx, store.Link{
					DeploymentID:          p.Deployment.ID,
					SerialID:              p.LinksSerialID,
					Name:                  l.Name,
					Type:                  l.Type,
					ProviderInstanceGroup: l.ProviderInstanceGroup,
					ProviderJob:           l.ProviderJob,
					ConsumerInstanceGroup: l.ConsumerInstanceGroup,
					ConsumerJob:           l.ConsumerJob,
					Content:               content,
				}); err != nil {
					return err
				}
			}
			if _, err := store.CleanupStaleLinks(ctx, tx, p.Deployment.ID, p.LinksSerialID); err != nil {
				return err
			}
		}
		if err := store.UpdateDeploymentManifest(ctx, tx, p.Deployment.ID, a.Manifest, a.CloudConfigID, a.RuntimeConfigID); err != nil {
			return err
		}

		var networkIDs []int64
		for _, name := range sortedNetworkNames(p.Plan) {
			n := p.Plan.Networks[name]
			if !n.Managed {
				continue
			}
			rec, err := store.FindOrCreateNetwork(ctx, tx, n.Name, n.Type)
			if err != nil {
				return err
			}
			networkIDs = append(networkIDs, rec.ID)
		}
		if err := store.SetDeploymentNetworks(ctx, tx, p.Deployment.ID, networkIDs); err != nil {
			return err
		}
		var err error
		orphanedNetworks, err = store.OrphanUnusedNetworks(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	if len(orphanedNetworks) > 0 {
		t.Logger.Info("networks orphaned", zap.Strings("networks", orphanedNetworks))
	}
	for _, name := range orphanedNetworks {
		e := eventlog.Entry{Action: "orphan", ObjectType: "network", ObjectName: name, Deployment: p.Deployment.Name}
		if _, err := t.Events.Record(ctx, e, nil); err != nil {
			t.Logger.Warn("failed to record network orphan event", zap.String("network", name), zap.Error(err))
		}
	}
	return nil
}

// runPostDeploy runs the post-deploy script on every started instance.
func (o *Orchestrator) runPostDeploy(ctx context.Context, t *jobrunner.Task, p *Prepared) error {
	insts, err := store.ListInstances(ctx, t.DB, p.Deployment.ID)
	if err != nil {
		return err
	}
	var targets []store.Instance
	for _, inst := range insts {
		if inst.State == store.InstanceStarted && inst.HasVM() && !inst.Ignore && inst.Lifecycle != store.LifecycleErrand {
			targets = append(targets, inst)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	stage := t.Log.BeginStage("Running post-deploy scripts", len(targets))
	return workerpool.ForEach(ctx, o.maxThreads(), targets, func(ctx context.Context, inst store.Instance) error {
		return stage.AdvanceAndTrack(inst.Name(), func() error {
			if err := o.Agents.ForAgent(inst.AgentID).RunScript(ctx, "post-deploy"); err != nil {
				return fmt.Errorf("post-deploy on %s: %w", inst.Name(), err)
			}
			return nil
		})
	})
}
