// Package errand runs one-shot errand instance groups. A run converges the
// errand's instances to VMs with their spec applied, runs the errand on
// each agent and deletes the VMs again unless asked to keep them alive.
//
// With WhenChanged, instances whose packages and configuration match their
// last successful run are skipped without contacting their agents.
package errand

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/eventlog"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// TypeRun is the job type of an errand run.
const TypeRun = "run_errand"

// Runner runs errands through the deployment orchestrator.
type Runner struct {
	Orchestrator *deployment.Orchestrator
	Agents       cloud.Agents
	Instances    *instance.Manager

	LockTimeout time.Duration

	// MaxThreads bounds how many instances run the errand at once.
	MaxThreads int

	// PollInterval is how often a running errand checks for cancellation.
	PollInterval time.Duration
}

// RunArgs are the arguments of a run_errand task.
type RunArgs struct {
	Deployment string `json:"deployment_name" validate:"required"`
	Name       string `json:"errand_name" validate:"required"`

	// KeepAlive leaves the errand VMs running after the run.
	KeepAlive bool `json:"keep_alive,omitempty"`

	// WhenChanged skips instances unchanged since their last successful run.
	WhenChanged bool `json:"when_changed,omitempty"`

	// Instances filters the errand's instances by "<group>/<index>" or
	// "<group>/<uuid>" doublestar patterns. Empty runs the first instance.
	Instances []string `json:"instances,omitempty"`
}

// Result is the outcome of a run on one instance.
type Result struct {
	Instance string `json:"instance"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Report is the task result of an errand run.
type Report struct {
	Errand  string   `json:"errand_name"`
	Skipped bool     `json:"skipped,omitempty"`
	Results []Result `json:"results"`
	Summary string   `json:"summary"`
}

// Register adds the errand job to r.
func Register(r *jobrunner.Registry, er *Runner) error {
	return jobrunner.Register(r, TypeRun, jobrunner.QueueNormal, func(a RunArgs) (jobrunner.Job, error) {
		return jobrunner.JobFunc(func(ctx context.Context, t *jobrunner.Task) (string, error) {
			rep, err := er.Run(ctx, t, a)
			if err != nil {
				return "", err
			}
			b, err := json.Marshal(rep)
			if err != nil {
				return "", fmt.Errorf("encode errand report: %w", err)
			}
			return string(b), nil
		}), nil
	})
}

func (er *Runner) lockTimeout() time.Duration {
	if er.LockTimeout > 0 {
		return er.LockTimeout
	}
	return deployment.DefaultLockTimeout
}

func (er *Runner) pollInterval() time.Duration {
	if er.PollInterval > 0 {
		return er.PollInterval
	}
	return time.Second
}

func (er *Runner) maxThreads() int {
	if er.MaxThreads > 0 {
		return er.MaxThreads
	}
	return 4
}

// Run executes the errand under the deployment lock.
func (er *Runner) Run(ctx context.Context, t *jobrunner.Task, a RunArgs) (*Report, error) {
	t.Deployment = a.Deployment
	var rep *Report
	err := t.Locks.WithLock(ctx, lock.Deployment(a.Deployment), er.lockTimeout(), func(ctx context.Context) error {
		var err error
		rep, err = er.run(ctx, t, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (er *Runner) run(ctx context.Context, t *jobrunner.Task, a RunArgs) (*Report, error) {
	dep, err := store.GetDeployment(ctx, t.DB, a.Deployment)
	if err != nil {
		return nil, err
	}
	m, err := manifest.LoadDeployment([]byte(dep.Manifest))
	if err != nil {
		return nil, err
	}

	var planned []*deployment.ErrandInstance
	var prep *deployment.Prepared
	stage := t.Log.BeginStage("Preparing deployment", 1)
	err = stage.AdvanceAndTrack("Preparing deployment", func() error {
		var err error
		prep, err = er.Orchestrator.Prepare(ctx, t, dep, deployment.PrepareOptions{
			Manifest:        m,
			ManifestText:    dep.Manifest,
			CloudConfigID:   dep.CloudConfigID,
			RuntimeConfigID: dep.RuntimeConfigID,
			Errand:          a.Name,
		})
		if err != nil {
			return err
		}
		return prep.RenderAll()
	})
	defer er.releaseUnbound(ctx, t, dep)
	if err != nil {
		return nil, err
	}
	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if planned, err = er.Orchestrator.PlanErrand(ctx, t, prep, a.Name); err != nil {
		return nil, err
	}
	if planned, err = selectInstances(a.Name, planned, a.Instances); err != nil {
		return nil, err
	}

	rep := &Report{Errand: a.Name, Results: []Result{}}
	if a.WhenChanged {
		if planned, err = changedSince(ctx, t, planned); err != nil {
			return nil, err
		}
		if len(planned) == 0 {
			rep.Skipped = true
			rep.Summary = fmt.Sprintf("Errand '%s' skipped: nothing changed since its last successful run", a.Name)
			t.Logger.Info("errand skipped", zap.String("errand", a.Name))
			return rep, nil
		}
	}

	insts := make([]*store.Instance, len(planned))
	stage = t.Log.BeginStage("Creating missing vms", len(planned))
	err = workerpool.ForEach(ctx, er.maxThreads(), indexes(planned), func(ctx context.Context, i int) error {
		return stage.AdvanceAndTrack(planned[i].Desired.Name(), func() error {
			inst, err := er.Orchestrator.ConvergeErrand(ctx, t, prep, planned[i])
			insts[i] = inst
			return err
		})
	})
	// Instances the pool never reached may still hold a VM from a kept-alive run.
	for i, e := range planned {
		if insts[i] == nil {
			insts[i] = e.Desired.Existing
		}
	}
	if err == nil {
		err = t.Checkpoint(ctx)
	}
	if err == nil {
		rep.Results, err = er.runAll(ctx, t, dep.Name, a.Name, planned, insts)
	}

	if !a.KeepAlive {
		if cerr := er.cleanup(context.WithoutCancel(ctx), t, dep.Name, insts); cerr != nil {
			if err != nil {
				t.Logger.Warn("failed to delete errand vms", zap.String("errand", a.Name), zap.Error(cerr))
				t.Log.Warn(fmt.Sprintf("Failed to delete errand VMs: %s", cerr))
			} else {
				err = cerr
			}
		}
	}
	if err != nil {
		return nil, err
	}
	rep.Summary = summary(a.Name, rep.Results)
	return rep, nil
}

// runAll runs the errand on every converged instance.
func (er *Runner) runAll(ctx context.Context, t *jobrunner.Task, depName, name string, planned []*deployment.ErrandInstance, insts []*store.Instance) ([]Result, error) {
	results := make([]Result, len(planned))
	stage := t.Log.BeginStage("Running errand", len(planned), name)
	err := workerpool.ForEach(ctx, er.maxThreads(), indexes(planned), func(ctx context.Context, i int) error {
		inst := insts[i]
		return stage.AdvanceAndTrack(fmt.Sprintf("%s (%d)", inst.Name(), inst.Index), func() error {
			res, err := er.runOne(ctx, t, depName, name, inst, planned[i])
			if res != nil {
				results[i] = *res
			}
			return err
		})
	})
	return results, err
}

// runOne runs the errand on one agent and records the run. A cancelled
// task cancels the agent's errand before returning.
func (er *Runner) runOne(ctx context.Context, t *jobrunner.Task, depName, name string, inst *store.Instance, e *deployment.ErrandInstance) (*Result, error) {
	entry := eventlog.Entry{Action: "run", ObjectType: "errand", ObjectName: name, Deployment: depName, Instance: inst.Name()}
	begin, err := t.Events.Begin(ctx, entry)
	if err != nil {
		return nil, err
	}

	out, runErr := er.execute(ctx, t, inst)
	if runErr != nil && !fleeterr.IsCancelled(runErr) {
		runErr = fleeterr.Wrap(fleeterr.CodeRunErrandError, fleeterr.KindExternal, runErr,
			"Errand '%s' failed on '%s'", name, inst.Name())
	}

	var res *Result
	if out != nil {
		res = &Result{Instance: inst.Name(), ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
		entry.Context = map[string]any{"exit_code": out.ExitCode}
	}
	bg := context.WithoutCancel(ctx)
	if _, err := t.Events.End(bg, begin, entry, runErr); err != nil {
		t.Logger.Warn("failed to record errand event", zap.Error(err))
	}
	_, err = store.CreateErrandRun(bg, t.DB, store.ErrandRun{
		InstanceID:        inst.ID,
		Successful:        runErr == nil && res != nil && res.ExitCode == 0,
		ConfigurationHash: e.Spec.ConfigurationHash,
		PackagesSpec:      e.PackagesSpec(),
	})
	if err != nil && runErr == nil {
		runErr = err
	}
	if res != nil {
		t.Logger.Info("errand finished",
			zap.String("instance", inst.Name()),
			zap.Int("exit_code", res.ExitCode))
	}
	return res, runErr
}

// execute runs the errand on the instance's agent, checking for task
// cancellation while it runs. On cancellation the agent is told to cancel
// the errand.
func (er *Runner) execute(ctx context.Context, t *jobrunner.Task, inst *store.Instance) (*cloud.ErrandResult, error) {
	agent := er.Agents.ForAgent(inst.AgentID)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	type outcome struct {
		res *cloud.ErrandResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := agent.RunErrand(runCtx)
		done <- outcome{res, err}
	}()

	ticker := time.NewTicker(er.pollInterval())
	defer ticker.Stop()
	for {
		var cancelled error
		select {
		case o := <-done:
			if o.err != nil && ctx.Err() != nil {
				cancelled = fleeterr.Cancelled(t.ID)
				break
			}
			return o.res, o.err
		case <-ctx.Done():
			cancelled = fleeterr.Cancelled(t.ID)
		case <-ticker.C:
			if err := t.Checkpoint(ctx); fleeterr.IsCancelled(err) {
				cancelled = err
			} else if err != nil {
				t.Logger.Warn("checkpoint failed while errand runs", zap.Error(err))
			}
		}
		if cancelled == nil {
			continue
		}
		stop()
		t.Logger.Info("cancelling errand on agent", zap.String("instance", inst.Name()))
		if err := agent.CancelTask(context.WithoutCancel(ctx)); err != nil {
			t.Logger.Warn("failed to cancel errand on agent", zap.String("instance", inst.Name()), zap.Error(err))
		}
		return nil, cancelled
	}
}

// cleanup deletes the VMs of the converged errand instances.
func (er *Runner) cleanup(ctx context.Context, t *jobrunner.Task, depName string, insts []*store.Instance) error {
	var live []*store.Instance
	for _, inst := range insts {
		if inst != nil && inst.HasVM() {
			live = append(live, inst)
		}
	}
	if len(live) == 0 {
		return nil
	}
	stage := t.Log.BeginStage("Deleting errand instances", len(live))
	var errs fleeterr.Multi
	for _, inst := range live {
		errs.Append(stage.AdvanceAndTrack(inst.Name(), func() error {
			return er.Instances.Stop(ctx, t, depName, inst, instance.StopOptions{Hard: true, SkipDrain: true})
		}))
	}
	return errs.ErrorOrNil()
}

func (er *Runner) releaseUnbound(ctx context.Context, t *jobrunner.Task, dep *store.Deployment) {
	if _, err := store.DeleteOrphanedIPReservations(context.WithoutCancel(ctx), t.DB, dep.ID); err != nil {
		t.Logger.Warn("failed to release unbound ip reservations", zap.Error(err))
	}
}

// changedSince drops instances whose last run succeeded with the same
// configuration and packages. A failed last run never skips.
func changedSince(ctx context.Context, t *jobrunner.Task, planned []*deployment.ErrandInstance) ([]*deployment.ErrandInstance, error) {
	var out []*deployment.ErrandInstance
	for _, e := range planned {
		if e.Desired.Existing == nil {
			out = append(out, e)
			continue
		}
		last, err := store.LastErrandRun(ctx, t.DB, e.Desired.Existing.ID)
		if err != nil {
			return nil, err
		}
		if last != nil && last.Successful &&
			last.ConfigurationHash == e.Spec.ConfigurationHash &&
			last.PackagesSpec == e.PackagesSpec() {
			t.Logger.Debug("errand instance unchanged", zap.String("instance", e.Desired.Name()))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// selectInstances applies the instance filters. Without filters the
// first instance runs.
func selectInstances(name string, planned []*deployment.ErrandInstance, filters []string) ([]*deployment.ErrandInstance, error) {
	if len(planned) == 0 {
		return nil, fleeterr.InvalidState(fleeterr.CodeRunErrandError, "Errand '%s' has no instances that can run", name)
	}
	if len(filters) == 0 {
		return planned[:1], nil
	}
	var out []*deployment.ErrandInstance
	for _, e := range planned {
		byIndex := e.Desired.Group.Name + "/" + strconv.Itoa(e.Desired.Index)
		for _, pat := range filters {
			if !doublestar.ValidatePattern(pat) {
				return nil, fleeterr.Validation(fleeterr.CodeRunErrandError, "Invalid instance filter '%s'", pat)
			}
			if ok, _ := doublestar.Match(pat, byIndex); ok {
				out = append(out, e)
				break
			}
			if ok, _ := doublestar.Match(pat, e.Desired.Name()); ok {
				out = append(out, e)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fleeterr.NotFound(fleeterr.CodeRunErrandError, "No instances of errand '%s' match the given filters", name)
	}
	return out, nil
}

func summary(name string, results []Result) string {
	worst := 0
	for _, r := range results {
		if r.ExitCode != 0 {
			worst = r.ExitCode
			break
		}
	}
	if worst == 0 {
		return fmt.Sprintf("Errand '%s' completed successfully (exit code 0)", name)
	}
	return fmt.Sprintf("Errand '%s' completed with error (exit code %d)", name, worst)
}

func indexes[T any](items []T) []int {
	out := make([]int, len(items))
	for i := range out {
		out[i] = i
	}
	return out
}
