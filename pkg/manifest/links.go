package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// JobCatalog indexes release jobs by "release/job".
type JobCatalog map[string]*ReleaseJob

// Add registers every job of a release descriptor.
func (c JobCatalog) Add(release string, jobs []ReleaseJob) {
	for i := range jobs {
		c[release+"/"+jobs[i].Name] = &jobs[i]
	}
}

// Lookup returns the release job placed by ref.
func (c JobCatalog) Lookup(ref JobRef) (*ReleaseJob, bool) {
	j, ok := c[ref.Release+"/"+ref.Name]
	return j, ok
}

// Bind checks that every job in the plan exists in its release.
func (c JobCatalog) Bind(p *Plan) error {
	var msgs []string
	for _, ig := range p.InstanceGroups {
		for _, job := range ig.Jobs {
			if _, ok := c.Lookup(job); !ok {
				msgs = append(msgs, fmt.Sprintf("Instance group '%s' uses job '%s' which is not in release '%s'", ig.Name, job.Name, job.Release))
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fleeterr.Validation(fleeterr.CodeJobTemplateBindingFailed, "%s", strings.Join(msgs, "\n"))
}

// Link is one resolved consumer to provider pairing.
type Link struct {
	// Name is the link name as the consuming job declares it.
	Name                  string
	Type                  string
	ProviderInstanceGroup string
	ProviderJob           string
	ProviderAlias         string
	ConsumerInstanceGroup string
	ConsumerJob           string
	Properties            map[string]any
}

type provider struct {
	alias  string
	typ    string
	ig     *InstanceGroupPlan
	job    JobRef
	def    LinkDef
	relJob *ReleaseJob
}

func (pv provider) String() string {
	return pv.ig.Name + "/" + pv.job.Name
}

// ResolveLinks pairs every consumed link in the plan with exactly one
// provider. All unresolved links are reported together.
func ResolveLinks(p *Plan, catalog JobCatalog) ([]Link, error) {
	var providers []provider
	for _, ig := range p.InstanceGroups {
		for _, job := range ig.Jobs {
			rj, ok := catalog.Lookup(job)
			if !ok {
				continue
			}
			for _, def := range rj.Provides {
				pv := provider{alias: def.Name, typ: def.Type, ig: ig, job: job, def: def, relJob: rj}
				if lp, ok := job.Provides[def.Name]; ok {
					if lp == nil {
						continue
					}
					if lp.As != "" {
						pv.alias = lp.As
					}
				}
				providers = append(providers, pv)
			}
		}
	}

	var links []Link
	var msgs []string
	for _, ig := range p.InstanceGroups {
		for _, job := range ig.Jobs {
			rj, ok := catalog.Lookup(job)
			if !ok {
				continue
			}
			for _, def := range rj.Consumes {
				entry, listed := job.Consumes[def.Name]
				if listed && entry == nil {
					continue
				}
				from := def.Name
				if listed && entry.From != "" {
					from = entry.From
				}

				candidates := matchProviders(providers, from, def.Type)
				if len(candidates) == 0 && !(listed && entry.From != "") {
					candidates = matchProviders(providers, "", def.Type)
				}

				switch {
				case len(candidates) == 1:
					pv := candidates[0]
					links = append(links, Link{
						Name:                  def.Name,
						Type:                  def.Type,
						ProviderInstanceGroup: pv.ig.Name,
						ProviderJob:           pv.job.Name,
						ProviderAlias:         pv.alias,
						ConsumerInstanceGroup: ig.Name,
						ConsumerJob:           job.Name,
						Properties:            linkProperties(p, pv),
					})
				case len(candidates) == 0:
					if def.Optional && !listed {
						continue
					}
					msgs = append(msgs, fmt.Sprintf("Can't resolve link '%s' with type '%s' for job '%s' in instance group '%s': no provider found for '%s'",
						def.Name, def.Type, job.Name, ig.Name, from))
				default:
					names := make([]string, len(candidates))
					for i, c := range candidates {
						names[i] = c.String()
					}
					sort.Strings(names)
					msgs = append(msgs, fmt.Sprintf("Multiple providers of type '%s' found for link '%s' of job '%s' in instance group '%s': %s",
						def.Type, def.Name, job.Name, ig.Name, strings.Join(names, ", ")))
				}
			}
		}
	}

	if len(msgs) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "Failed to resolve links from deployment '%s'. See errors below:", p.Name)
		for _, m := range msgs {
			b.WriteString("\n  - ")
			b.WriteString(m)
		}
		return nil, fleeterr.Validation(fleeterr.CodeLinkLookupError, "%s", b.String())
	}
	return links, nil
}

// matchProviders filters by type and, when alias is set, by alias.
func matchProviders(providers []provider, alias, typ string) []provider {
	var out []provider
	for _, pv := range providers {
		if pv.typ != typ {
			continue
		}
		if alias != "" && pv.alias != alias {
			continue
		}
		out = append(out, pv)
	}
	return out
}

func linkProperties(p *Plan, pv provider) map[string]any {
	if len(pv.def.Properties) == 0 {
		return nil
	}
	props := make(map[string]any, len(pv.def.Properties))
	for _, name := range pv.def.Properties {
		if v, ok := LookupProperty(name, pv.job.Properties, pv.ig.Properties, p.Properties); ok {
			setPath(props, name, v)
			continue
		}
		if def, ok := pv.relJob.Properties[name]; ok && def.Default != nil {
			setPath(props, name, def.Default)
		}
	}
	return props
}

// LookupProperty resolves a dotted property name against each source in
// turn and returns the first hit.
func LookupProperty(name string, sources ...map[string]any) (any, bool) {
	parts := strings.Split(name, ".")
	for _, src := range sources {
		if v, ok := lookupPath(src, parts); ok {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(m map[string]any, parts []string) (any, bool) {
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func setPath(m map[string]any, name string, v any) {
	parts := strings.Split(name, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
