package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// InstanceContext describes the instance a template is rendered for.
type InstanceContext struct {
	Deployment string
	ID         string
	Index      int
	AZ         string
	Bootstrap  bool
	Address    string
	Networks   map[string]string
}

// LinkInstance is one provider instance as seen by a consumer.
type LinkInstance struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Index     int    `json:"index"`
	AZ        string `json:"az,omitempty"`
	Address   string `json:"address"`
	Bootstrap bool   `json:"bootstrap"`
}

// LinkView is what templates see when they call link.
type LinkView struct {
	Properties map[string]any
	Instances  []LinkInstance
}

// RenderedJob holds one job's rendered files keyed by destination path.
type RenderedJob struct {
	Name      string
	Release   string
	Templates map[string]string
}

// RenderedInstance is the full rendered configuration of an instance.
type RenderedInstance struct {
	Jobs              []RenderedJob
	ConfigurationHash string
}

// TemplateError is one failed template.
type TemplateError struct {
	InstanceGroup string
	Job           string
	Template      string
	Line          int
	Message       string
}

func (e TemplateError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("Error filling in template '%s' (line %d: %s)", e.Template, e.Line, e.Message)
	}
	return fmt.Sprintf("Error filling in template '%s' (%s)", e.Template, e.Message)
}

// Renderer renders job templates for instances of a plan.
type Renderer struct {
	Plan    *Plan
	Catalog JobCatalog
	Links   []Link

	// LinkInstances maps provider instance group name to its instances.
	LinkInstances map[string][]LinkInstance

	// Variables holds generated values substituted for ((name)).
	Variables map[string]string
}

// Render renders every job of ig for one instance.
func (r *Renderer) Render(ig *InstanceGroupPlan, ictx InstanceContext) (*RenderedInstance, []TemplateError) {
	var errs []TemplateError
	out := &RenderedInstance{}
	for _, job := range ig.Jobs {
		rj, ok := r.Catalog.Lookup(job)
		if !ok {
			errs = append(errs, TemplateError{InstanceGroup: ig.Name, Job: job.Name, Message: fmt.Sprintf("job not found in release '%s'", job.Release)})
			continue
		}
		rendered, jobErrs := r.renderJob(ig, job, rj, ictx)
		errs = append(errs, jobErrs...)
		out.Jobs = append(out.Jobs, rendered)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	out.ConfigurationHash = configurationHash(out.Jobs)
	return out, nil
}

type templateSpec struct {
	Name       string
	Job        string
	Deployment string
	ID         string
	Index      int
	AZ         string
	Bootstrap  bool
	Address    string
	Networks   map[string]string
}

func (r *Renderer) renderJob(ig *InstanceGroupPlan, job JobRef, rj *ReleaseJob, ictx InstanceContext) (RenderedJob, []TemplateError) {
	rendered := RenderedJob{Name: job.Name, Release: job.Release, Templates: make(map[string]string, len(rj.Templates))}
	spec := templateSpec{
		Name:       ig.Name,
		Job:        job.Name,
		Deployment: ictx.Deployment,
		ID:         ictx.ID,
		Index:      ictx.Index,
		AZ:         ictx.AZ,
		Bootstrap:  ictx.Bootstrap,
		Address:    ictx.Address,
		Networks:   ictx.Networks,
	}
	funcs := template.FuncMap{
		"p": func(name string, fallback ...any) (any, error) {
			return r.property(ig, job, rj, name, fallback)
		},
		"link": func(name string) (LinkView, error) {
			return r.link(ig, job, name)
		},
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	var errs []TemplateError
	for _, dest := range sortedKeys(rj.Templates) {
		tmpl, err := template.New(dest).Funcs(funcs).Option("missingkey=error").Parse(rj.Templates[dest])
		if err != nil {
			errs = append(errs, templateError(ig.Name, job.Name, dest, err))
			continue
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, spec); err != nil {
			errs = append(errs, templateError(ig.Name, job.Name, dest, err))
			continue
		}
		rendered.Templates[dest] = buf.String()
	}
	return rendered, errs
}

func (r *Renderer) property(ig *InstanceGroupPlan, job JobRef, rj *ReleaseJob, name string, fallback []any) (any, error) {
	if v, ok := LookupProperty(name, job.Properties, ig.Properties, r.Plan.Properties); ok {
		return r.interpolate(v)
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	if def, ok := rj.Properties[name]; ok && def.Default != nil {
		return def.Default, nil
	}
	return nil, fmt.Errorf("Can't find property '%s'", name)
}

func (r *Renderer) link(ig *InstanceGroupPlan, job JobRef, name string) (LinkView, error) {
	for _, l := range r.Links {
		if l.ConsumerInstanceGroup == ig.Name && l.ConsumerJob == job.Name && l.Name == name {
			return LinkView{Properties: l.Properties, Instances: r.LinkInstances[l.ProviderInstanceGroup]}, nil
		}
	}
	return LinkView{}, fmt.Errorf("Can't find link '%s'", name)
}

var variablePattern = regexp.MustCompile(`\(\(([^()]+)\)\)`)

// interpolate replaces ((name)) placeholders in string values.
func (r *Renderer) interpolate(v any) (any, error) {
	switch t := v.(type) {
	case string:
		var missing string
		out := variablePattern.ReplaceAllStringFunc(t, func(m string) string {
			name := strings.TrimPrefix(strings.TrimSpace(m[2:len(m)-2]), "/")
			val, ok := r.Variables[name]
			if !ok {
				missing = name
				return m
			}
			return val
		})
		if missing != "" {
			return nil, fmt.Errorf("Failed to find variable '%s'", missing)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			iv, err := r.interpolate(item)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			iv, err := r.interpolate(item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	}
	return v, nil
}

// VariableNames lists the ((name)) placeholders used anywhere in props.
func VariableNames(props map[string]any) []string {
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range variablePattern.FindAllStringSubmatch(t, -1) {
				seen[strings.TrimPrefix(strings.TrimSpace(m[1]), "/")] = true
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(props)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var templateLine = regexp.MustCompile(`^template: [^:]*:(\d+)(?::\d+)?: (.*)$`)

func templateError(ig, job, dest string, err error) TemplateError {
	te := TemplateError{InstanceGroup: ig, Job: job, Template: dest, Message: err.Error()}
	if m := templateLine.FindStringSubmatch(err.Error()); m != nil {
		te.Line, _ = strconv.Atoi(m[1])
		te.Message = m[2]
		if _, msg, ok := strings.Cut(te.Message, "error calling "); ok {
			if _, msg, ok = strings.Cut(msg, ": "); ok {
				te.Message = msg
			}
		}
	}
	return te
}

// RenderFailure folds template errors from any number of instances into
// one error grouped by instance group and job. It returns nil for no errors.
func RenderFailure(errs []TemplateError) error {
	if len(errs) == 0 {
		return nil
	}

	type jobKey struct{ ig, job string }
	var groups []string
	jobsByGroup := make(map[string][]string)
	lines := make(map[jobKey][]string)
	for _, e := range errs {
		if _, ok := jobsByGroup[e.InstanceGroup]; !ok {
			groups = append(groups, e.InstanceGroup)
			jobsByGroup[e.InstanceGroup] = nil
		}
		k := jobKey{e.InstanceGroup, e.Job}
		if _, ok := lines[k]; !ok {
			jobsByGroup[e.InstanceGroup] = append(jobsByGroup[e.InstanceGroup], e.Job)
		}
		msg := e.Error()
		if e.Template == "" {
			msg = e.Message
		}
		if !contains(lines[k], msg) {
			lines[k] = append(lines[k], msg)
		}
	}

	var b strings.Builder
	b.WriteString("Unable to render instance groups for deployment. Errors are:")
	for _, ig := range groups {
		fmt.Fprintf(&b, "\n  - Unable to render jobs for instance group '%s'. Errors are:", ig)
		for _, job := range jobsByGroup[ig] {
			fmt.Fprintf(&b, "\n    - Unable to render templates for job '%s'. Errors are:", job)
			for _, line := range lines[jobKey{ig, job}] {
				b.WriteString("\n      - ")
				b.WriteString(line)
			}
		}
	}
	return fleeterr.Validation(fleeterr.CodeJobTemplateBindingFailed, "%s", b.String())
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// configurationHash digests every rendered file in a stable order.
func configurationHash(jobs []RenderedJob) string {
	h := sha1.New()
	sorted := append([]RenderedJob(nil), jobs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, job := range sorted {
		for _, dest := range sortedKeys(job.Templates) {
			fmt.Fprintf(h, "%s/%s\n%s\n", job.Name, dest, job.Templates[dest])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
