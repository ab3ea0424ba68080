package deployment

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// DeleteJob deletes every instance of a deployment and then the
// deployment itself. With Force, unresponsive agents are skipped.
// A deployment holding ignored instances is never deleted.
func (o *Orchestrator) DeleteJob(ctx context.Context, t *jobrunner.Task, a DeleteArgs) (string, error) {
	t.Deployment = a.Name
	err := t.Locks.WithLock(ctx, lock.Deployment(a.Name), o.lockTimeout(), func(ctx context.Context) error {
		dep, err := store.GetDeployment(ctx, t.DB, a.Name)
		if err != nil {
			return err
		}
		insts, err := store.ListInstances(ctx, t.DB, dep.ID)
		if err != nil {
			return err
		}
		for _, inst := range insts {
			if inst.Ignore {
				return fleeterr.InvalidState(fleeterr.CodeDeploymentIgnoredInstancesDeletion,
					"You are trying to delete deployment '%s', which contains ignored instance(s). Operation not allowed.", dep.Name)
			}
		}

		entry := eventlog.Entry{Action: "delete", ObjectType: "deployment", ObjectName: dep.Name, Deployment: dep.Name}
		return t.Events.Track(ctx, entry, func(ctx context.Context) error {
			return o.deleteDeployment(ctx, t, dep, insts, a.Force)
		})
	})
	if err != nil {
		return "", err
	}
	return "/deployments/" + a.Name, nil
}

func (o *Orchestrator) deleteDeployment(ctx context.Context, t *jobrunner.Task, dep *store.Deployment, insts []store.Instance, force bool) error {
	if len(insts) > 0 {
		opts := instance.StopOptions{IgnoreUnresponsiveAgent: force || o.Instances.IgnoreUnresponsiveAgents}
		stage := t.Log.BeginStage("Deleting instances", len(insts))
		err := workerpool.ForEach(ctx, o.maxThreads(), insts, func(ctx context.Context, inst store.Instance) error {
			return stage.AdvanceAndTrack(inst.Name(), func() error {
				return o.Instances.Delete(ctx, t, dep.Name, &inst, opts)
			})
		})
		if err != nil {
			return err
		}
	}
	if err := t.Checkpoint(ctx); err != nil {
		return err
	}

	var orphaned []string
	err := t.DB.InTx(ctx, func(tx *store.Tx) error {
		if err := store.ReleaseDeploymentIPs(ctx, tx, dep.ID); err != nil {
			return err
		}
		if err := store.DeleteDeploymentVariableSets(ctx, tx, dep.ID); err != nil {
			return err
		}
		if err := store.DeleteDeploymentLinks(ctx, tx, dep.ID); err != nil {
			return err
		}
		if err := store.SetDeploymentNetworks(ctx, tx, dep.ID, nil); err != nil {
			return err
		}
		if err := store.DeleteDeployment(ctx, tx, dep.ID); err != nil {
			return err
		}
		var err error
		orphaned, err = store.OrphanUnusedNetworks(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	t.Logger.Info("deployment deleted",
		zap.String("deployment", dep.Name),
		zap.Int("instances", len(insts)),
		zap.Strings("orphaned_networks", orphaned))
	return nil
}
