package release

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/workerpool"
)

// CompileEnv describes where compilation VMs are created.
type CompileEnv struct {
	Deployment      string
	Stemcell        store.Stemcell
	Workers         int
	AZ              string
	CloudProperties map[string]any
	Networks        map[string]cloud.NetworkSettings
}

// Compiler builds packages for a stemcell on short-lived compilation VMs.
// Packages already compiled for the stemcell's OS and version are reused.
type Compiler struct {
	CPI         cloud.CPI
	Agents      cloud.Agents
	LockTimeout time.Duration
}

// Compile compiles pkgs (dependencies first) and returns a reference to
// each compiled blob keyed by package name.
func (c *Compiler) Compile(ctx context.Context, t *jobrunner.Task, env CompileEnv, pkgs []store.Package) (map[string]cloud.PackageRef, error) {
	levels, err := compileOrder(pkgs)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]cloud.PackageRef, len(pkgs))
	var mu sync.Mutex
	stage := t.Log.BeginStage("Compiling packages", len(pkgs))
	workers := env.Workers
	if workers < 1 {
		workers = 1
	}

	for _, level := range levels {
		if err := t.Checkpoint(ctx); err != nil {
			return nil, err
		}
		err := workerpool.ForEach(ctx, workers, level, func(ctx context.Context, pkg store.Package) error {
			return stage.AdvanceAndTrack(pkg.Name+"/"+pkg.Fingerprint, func() error {
				mu.Lock()
				deps := make(map[string]cloud.PackageRef)
				for _, d := range Dependencies(pkg) {
					deps[d] = refs[d]
				}
				mu.Unlock()

				ref, err := c.compileOne(ctx, t, env, pkg, deps)
				if err != nil {
					return err
				}
				mu.Lock()
				refs[pkg.Name] = ref
				mu.Unlock()
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func (c *Compiler) compileOne(ctx context.Context, t *jobrunner.Task, env CompileEnv, pkg store.Package, deps map[string]cloud.PackageRef) (cloud.PackageRef, error) {
	sc := env.Stemcell
	var ref cloud.PackageRef
	timeout := c.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	err := t.Locks.WithLock(ctx, lock.CompileLock(pkg.Fingerprint+"-"+sc.OperatingSystem+"-"+sc.Version), timeout, func(ctx context.Context) error {
		found, err := store.FindCompiledPackage(ctx, t.DB, pkg.Name, pkg.Fingerprint, sc.OperatingSystem, sc.Version)
		if err != nil {
			return err
		}
		if found != nil {
			ref = cloud.PackageRef{Name: pkg.Name, Version: pkg.Fingerprint, SHA1: found.SHA1, BlobstoreID: found.BlobstoreID}
			return nil
		}

		blob, err := c.onCompilationVM(ctx, t, env, func(agent cloud.Agent) (*cloud.CompiledBlob, error) {
			return agent.CompilePackage(ctx, cloud.CompileRequest{
				Name:         pkg.Name,
				Version:      pkg.Fingerprint,
				Dependencies: deps,
			})
		})
		if err != nil {
			return fmt.Errorf("compile package %s/%s: %w", pkg.Name, pkg.Fingerprint, err)
		}
		if _, err := store.CreateCompiledPackage(ctx, t.DB, store.CompiledPackage{
			PackageName:     pkg.Name,
			Fingerprint:     pkg.Fingerprint,
			StemcellOS:      sc.OperatingSystem,
			StemcellVersion: sc.Version,
			BlobstoreID:     blob.BlobstoreID,
			SHA1:            blob.SHA1,
		}); err != nil {
			return err
		}
		ref = cloud.PackageRef{Name: pkg.Name, Version: pkg.Fingerprint, SHA1: blob.SHA1, BlobstoreID: blob.BlobstoreID}
		return nil
	})
	return ref, err
}

// onCompilationVM creates a VM, runs fn against its agent and deletes the
// VM. A VM that cannot be deleted is recorded as orphaned for cleanup.
func (c *Compiler) onCompilationVM(ctx context.Context, t *jobrunner.Task, env CompileEnv, fn func(cloud.Agent) (*cloud.CompiledBlob, error)) (*cloud.CompiledBlob, error) {
	agentID := uuid.NewString()
	cid, err := c.CPI.CreateVM(ctx, cloud.VMRequest{
		AgentID:         agentID,
		StemcellCID:     env.Stemcell.CID,
		CloudProperties: env.CloudProperties,
		Networks:        env.Networks,
		Env:             map[string]any{"compilation": true},
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := c.CPI.DeleteVM(context.WithoutCancel(ctx), cid); derr != nil && !cloud.IsNotFound(derr) {
			t.Logger.Warn("failed to delete compilation vm", zap.String("vm_cid", cid), zap.Error(derr))
			if _, oerr := store.CreateOrphanedVM(context.WithoutCancel(ctx), t.DB, store.OrphanedVM{
				CID:              cid,
				AvailabilityZone: env.AZ,
				DeploymentName:   env.Deployment,
				InstanceName:     "compilation-" + agentID,
			}); oerr != nil {
				t.Logger.Warn("failed to record orphaned compilation vm", zap.String("vm_cid", cid), zap.Error(oerr))
			}
		}
	}()
	return fn(c.Agents.ForAgent(agentID))
}

// compileOrder groups packages into levels; each level depends only on
// earlier ones. Dependencies outside pkgs are ignored.
func compileOrder(pkgs []store.Package) ([][]store.Package, error) {
	byName := make(map[string]store.Package, len(pkgs))
	for _, p := range pkgs {
		byName[p.Name] = p
	}
	done := make(map[string]bool, len(pkgs))
	var levels [][]store.Package
	for len(done) < len(byName) {
		var level []store.Package
		for name, p := range byName {
			if done[name] {
				continue
			}
			ready := true
			for _, d := range Dependencies(p) {
				if _, inSet := byName[d]; inSet && !done[d] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, p)
			}
		}
		if len(level) == 0 {
			return nil, fleeterr.Validation(fleeterr.CodeBadManifest, "Cyclic package dependencies detected")
		}
		sort.Slice(level, func(i, j int) bool { return level[i].Name < level[j].Name })
		for _, p := range level {
			done[p.Name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}
