package cloud

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/gofleet/pkg/telemetry"
)

// Options configures Guard wrappers.
type Options struct {
	// RPCTimeout bounds every short agent call. Zero uses 30s.
	RPCTimeout time.Duration

	// RateLimit caps CPI calls per second across the process. Zero means
	// unlimited.
	RateLimit float64

	// Burst is the limiter burst size. Zero uses 1.
	Burst int

	// GetStateAttempts is how often get_state is tried before reporting
	// the agent unresponsive. Zero uses 2.
	GetStateAttempts int
}

func (o Options) withDefaults() Options {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 30 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.GetStateAttempts <= 0 {
		o.GetStateAttempts = 2
	}
	return o
}

// GuardCPI wraps cpi with a shared rate limiter, call metrics and spans.
// Errors are wrapped in *CallError naming the method and cid.
func GuardCPI(cpi CPI, opts Options) CPI {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &guardedCPI{inner: cpi, limiter: rate.NewLimiter(limit, opts.Burst)}
}

type guardedCPI struct {
	inner   CPI
	limiter *rate.Limiter
}

func (g *guardedCPI) call(ctx context.Context, method, target string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, "cpi."+method, "cpi.target", target)
	err := fn(ctx)
	telemetry.EndSpan(span, err)

	outcome := "ok"
	switch {
	case err == nil:
	case IsNotFound(err):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	telemetry.CPICalls.WithLabelValues(method, outcome).Inc()

	if err != nil {
		var ce *CallError
		if !errors.As(err, &ce) {
			err = &CallError{Method: method, Target: target, Err: err}
		}
	}
	return err
}

func (g *guardedCPI) CreateStemcell(ctx context.Context, imagePath string, cloudProperties map[string]any) (cid string, err error) {
	err = g.call(ctx, "create_stemcell", "", func(ctx context.Context) error {
		cid, err = g.inner.CreateStemcell(ctx, imagePath, cloudProperties)
		return err
	})
	return cid, err
}

func (g *guardedCPI) DeleteStemcell(ctx context.Context, cid string) error {
	return g.call(ctx, "delete_stemcell", cid, func(ctx context.Context) error {
		return g.inner.DeleteStemcell(ctx, cid)
	})
}

func (g *guardedCPI) CreateVM(ctx context.Context, req VMRequest) (cid string, err error) {
	err = g.call(ctx, "create_vm", req.AgentID, func(ctx context.Context) error {
		cid, err = g.inner.CreateVM(ctx, req)
		return err
	})
	return cid, err
}

func (g *guardedCPI) DeleteVM(ctx context.Context, cid string) error {
	return g.call(ctx, "delete_vm", cid, func(ctx context.Context) error {
		return g.inner.DeleteVM(ctx, cid)
	})
}

func (g *guardedCPI) HasVM(ctx context.Context, cid string) (found bool, err error) {
	err = g.call(ctx, "has_vm", cid, func(ctx context.Context) error {
		found, err = g.inner.HasVM(ctx, cid)
		return err
	})
	return found, err
}

func (g *guardedCPI) CreateDisk(ctx context.Context, size int, cloudProperties map[string]any, vmCID string) (cid string, err error) {
	err = g.call(ctx, "create_disk", vmCID, func(ctx context.Context) error {
		cid, err = g.inner.CreateDisk(ctx, size, cloudProperties, vmCID)
		return err
	})
	return cid, err
}

func (g *guardedCPI) DeleteDisk(ctx context.Context, cid string) error {
	return g.call(ctx, "delete_disk", cid, func(ctx context.Context) error {
		return g.inner.DeleteDisk(ctx, cid)
	})
}

func (g *guardedCPI) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	return g.call(ctx, "attach_disk", diskCID, func(ctx context.Context) error {
		return g.inner.AttachDisk(ctx, vmCID, diskCID)
	})
}

func (g *guardedCPI) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	return g.call(ctx, "detach_disk", diskCID, func(ctx context.Context) error {
		return g.inner.DetachDisk(ctx, vmCID, diskCID)
	})
}

func (g *guardedCPI) SnapshotDisk(ctx context.Context, diskCID string, metadata map[string]string) (cid string, err error) {
	err = g.call(ctx, "snapshot_disk", diskCID, func(ctx context.Context) error {
		cid, err = g.inner.SnapshotDisk(ctx, diskCID, metadata)
		return err
	})
	return cid, err
}

func (g *guardedCPI) DeleteSnapshot(ctx context.Context, snapshotCID string) error {
	return g.call(ctx, "delete_snapshot", snapshotCID, func(ctx context.Context) error {
		return g.inner.DeleteSnapshot(ctx, snapshotCID)
	})
}

// GuardAgents wraps every agent returned by agents so short calls are
// bounded by opts.RPCTimeout. A timed-out call fails with an RPC timeout
// error (IsUnresponsive reports true). Long-running calls (drain, errands,
// compilation, scripts) are bounded only by the caller's context.
func GuardAgents(agents Agents, opts Options) Agents {
	return &guardedAgents{inner: agents, opts: opts.withDefaults()}
}

type guardedAgents struct {
	inner Agents
	opts  Options
}

func (g *guardedAgents) ForAgent(agentID string) Agent {
	return &guardedAgent{inner: g.inner.ForAgent(agentID), id: agentID, opts: g.opts}
}

type guardedAgent struct {
	inner Agent
	id    string
	opts  Options
}

func (a *guardedAgent) short(parent context.Context, method string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(parent, a.opts.RPCTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(callCtx, "agent."+method, "agent.id", a.id)
	err := fn(ctx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		err = timeoutError(method, a.id, a.opts.RPCTimeout, err)
	} else {
		err = remoteError(method, a.id, err)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (a *guardedAgent) long(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "agent."+method, "agent.id", a.id)
	err := remoteError(method, a.id, fn(ctx))
	telemetry.EndSpan(span, err)
	return err
}

func (a *guardedAgent) GetState(ctx context.Context) (state *AgentState, err error) {
	for attempt := 1; attempt <= a.opts.GetStateAttempts; attempt++ {
		err = a.short(ctx, "get_state", func(ctx context.Context) error {
			state, err = a.inner.GetState(ctx)
			return err
		})
		if err == nil || !IsUnresponsive(err) || ctx.Err() != nil {
			break
		}
	}
	return state, err
}

func (a *guardedAgent) Apply(ctx context.Context, spec ApplySpec) error {
	return a.short(ctx, "apply", func(ctx context.Context) error { return a.inner.Apply(ctx, spec) })
}

func (a *guardedAgent) Start(ctx context.Context) error {
	return a.short(ctx, "start", a.inner.Start)
}

func (a *guardedAgent) Stop(ctx context.Context) error {
	return a.short(ctx, "stop", a.inner.Stop)
}

func (a *guardedAgent) Drain(ctx context.Context, kind string) (wait int, err error) {
	err = a.long(ctx, "drain", func(ctx context.Context) error {
		wait, err = a.inner.Drain(ctx, kind)
		return err
	})
	return wait, err
}

func (a *guardedAgent) RunScript(ctx context.Context, name string) error {
	return a.long(ctx, "run_script", func(ctx context.Context) error { return a.inner.RunScript(ctx, name) })
}

func (a *guardedAgent) MountDisk(ctx context.Context, diskCID string) error {
	return a.short(ctx, "mount_disk", func(ctx context.Context) error { return a.inner.MountDisk(ctx, diskCID) })
}

func (a *guardedAgent) UnmountDisk(ctx context.Context, diskCID string) error {
	return a.short(ctx, "unmount_disk", func(ctx context.Context) error { return a.inner.UnmountDisk(ctx, diskCID) })
}

func (a *guardedAgent) RunErrand(ctx context.Context) (res *ErrandResult, err error) {
	err = a.long(ctx, "run_errand", func(ctx context.Context) error {
		res, err = a.inner.RunErrand(ctx)
		return err
	})
	return res, err
}

func (a *guardedAgent) CancelTask(ctx context.Context) error {
	return a.short(ctx, "cancel_task", a.inner.CancelTask)
}

func (a *guardedAgent) CompilePackage(ctx context.Context, req CompileRequest) (blob *CompiledBlob, err error) {
	err = a.long(ctx, "compile_package", func(ctx context.Context) error {
		blob, err = a.inner.CompilePackage(ctx, req)
		return err
	})
	return blob, err
}

func (a *guardedAgent) SSH(ctx context.Context, command string, params map[string]any) (out map[string]any, err error) {
	err = a.short(ctx, "ssh", func(ctx context.Context) error {
		out, err = a.inner.SSH(ctx, command, params)
		return err
	})
	return out, err
}
