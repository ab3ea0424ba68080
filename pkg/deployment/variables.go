package deployment

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

const (
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultPasswordLength = 30
)

type variableRequest struct {
	deployment *store.Deployment
	plan       *manifest.Plan

	// pinned is the generation values are reused from.
	pinned *store.VariableSet

	// target receives every resolved value; nil records nothing.
	target *store.VariableSet

	// latest takes each variable's newest value over the pinned one.
	latest bool

	// persist stores generated values in the blobstore.
	persist bool
}

// resolveVariables returns the value of every variable the plan declares
// or references. Declared variables without a value are generated.
// Undeclared variables without a value are left out so rendering reports
// them.
func (o *Orchestrator) resolveVariables(ctx context.Context, t *jobrunner.Task, req variableRequest) (map[string]string, error) {
	declared := make(map[string]manifest.Variable, len(req.plan.Variables))
	for _, v := range req.plan.Variables {
		declared[v.Name] = v
	}

	pinned := make(map[string]string)
	if req.pinned != nil {
		vars, err := store.ListVariables(ctx, t.DB, req.pinned.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			pinned[v.Name] = v.ValueID
		}
	}

	values := make(map[string]string)
	for _, name := range variableNames(req.plan) {
		valueID := ""
		if req.latest {
			v, err := store.LatestVariable(ctx, t.DB, req.deployment.ID, name)
			if err != nil {
				return nil, err
			}
			if v != nil {
				valueID = v.ValueID
			}
		}
		if valueID == "" {
			valueID = pinned[name]
		}

		if valueID == "" {
			def, ok := declared[name]
			if !ok {
				continue
			}
			value, err := generate(def)
			if err != nil {
				return nil, err
			}
			values[name] = value
			if !req.persist {
				continue
			}
			if valueID, err = o.Blobs.Create(ctx, strings.NewReader(value)); err != nil {
				return nil, fmt.Errorf("store variable %s: %w", name, err)
			}
			t.Logger.Info("variable generated", zap.String("variable", name), zap.String("type", def.Type))
		} else {
			value, err := o.readVariable(ctx, name, valueID)
			if err != nil {
				return nil, err
			}
			values[name] = value
		}

		if req.target != nil && req.target.Writable {
			if err := store.PutVariable(ctx, t.DB, req.target.ID, name, valueID); err != nil {
				return nil, err
			}
		}
	}
	return values, nil
}

func (o *Orchestrator) readVariable(ctx context.Context, name, valueID string) (string, error) {
	rc, err := o.Blobs.Get(ctx, valueID)
	if err != nil {
		return "", fmt.Errorf("read variable %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read variable %s: %w", name, err)
	}
	return string(b), nil
}

// variableNames lists declared variables and every ((name)) placeholder
// in deployment, group and job properties.
func variableNames(p *manifest.Plan) []string {
	seen := make(map[string]bool)
	for _, v := range p.Variables {
		seen[v.Name] = true
	}
	add := func(props map[string]any) {
		for _, n := range manifest.VariableNames(props) {
			seen[n] = true
		}
	}
	add(p.Properties)
	for _, ig := range p.InstanceGroups {
		add(ig.Properties)
		for _, job := range ig.Jobs {
			add(job.Properties)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// generate produces a value for a declared variable. Only passwords are
// generated; other types must be set by an operator.
func generate(v manifest.Variable) (string, error) {
	switch v.Type {
	case "", "password":
		length := defaultPasswordLength
		switch n := v.Options["length"].(type) {
		case int:
			if n > 0 {
				length = n
			}
		case float64:
			if n > 0 {
				length = int(n)
			}
		}
		return randomString(length)
	default:
		return "", fleeterr.Validation(fleeterr.CodeVariableGenerationError,
			"Failed to generate variable '%s': unsupported type '%s'", v.Name, v.Type)
	}
}

func randomString(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
