package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Lifecycles.
const (
	LifecycleService = "service"
	LifecycleErrand  = "errand"
)

// Update defaults applied when neither the deployment nor the instance
// group sets a value.
const (
	DefaultCanaries    = 1
	DefaultMaxInFlight = "1"
	DefaultWatchTime   = "1000-30000"
)

// Plan is a deployment manifest resolved against the cloud and runtime
// configs. Plans are built once per deploy and never mutated.
type Plan struct {
	Name           string
	Manifest       *Deployment
	// Releases lists manifest releases followed by runtime-config
	// releases not already named.
	Releases       []ReleaseRef
	Stemcells      map[string]StemcellRef
	InstanceGroups []*InstanceGroupPlan
	Networks       map[string]*Network
	Compilation    Compilation
	// CompilationVM is the compilation block's vm type, resolved.
	CompilationVM  VMType
	Variables      []Variable
	Properties     map[string]any
}

// InstanceGroupPlan is one instance group with every cloud-config
// reference resolved.
type InstanceGroupPlan struct {
	Name       string
	Lifecycle  string
	Instances  int
	AZs        []AZ
	VMType     VMType
	Stemcell   StemcellRef
	Disk       *DiskType
	Networks   []NetworkBinding
	Jobs       []JobRef
	Update     ResolvedUpdate
	Env        map[string]any
	Properties map[string]any
}

// NetworkBinding ties an instance group to a resolved network.
type NetworkBinding struct {
	Network   *Network
	StaticIPs []string
	Default   []string
}

// ResolvedUpdate is an update block with defaults filled in.
type ResolvedUpdate struct {
	Canaries        int
	MaxInFlight     string
	CanaryWatchTime WatchTime
	UpdateWatchTime WatchTime
	Serial          bool
}

// WatchTime is a millisecond range "min-max" or a single value.
type WatchTime struct {
	Min time.Duration
	Max time.Duration
}

// IsErrand reports whether the group runs errands instead of services.
func (ig *InstanceGroupPlan) IsErrand() bool {
	return ig.Lifecycle == LifecycleErrand
}

// HasJob reports whether the group runs a job with the given name.
func (ig *InstanceGroupPlan) HasJob(name string) bool {
	for _, j := range ig.Jobs {
		if j.Name == name {
			return true
		}
	}
	return false
}

// MaxInFlightCount resolves max_in_flight (a count or a percentage) for
// the group's size. The result is at least one.
func (u ResolvedUpdate) MaxInFlightCount(instances int) int {
	raw := strings.TrimSpace(u.MaxInFlight)
	n := 1
	if pct, ok := strings.CutSuffix(raw, "%"); ok {
		if p, err := strconv.Atoi(pct); err == nil {
			n = instances * p / 100
		}
	} else if v, err := strconv.Atoi(raw); err == nil {
		n = v
	}
	if n < 1 {
		n = 1
	}
	return n
}

// InstanceGroup returns the named group or nil.
func (p *Plan) InstanceGroup(name string) *InstanceGroupPlan {
	for _, ig := range p.InstanceGroups {
		if ig.Name == name {
			return ig
		}
	}
	return nil
}

// NewPlan resolves d against cc and rc. Every unresolved reference is
// reported; the first failing group's code becomes the error code.
func NewPlan(d *Deployment, cc *CloudConfig, rc *RuntimeConfig) (*Plan, error) {
	if cc == nil {
		cc = &CloudConfig{}
	}
	if rc == nil {
		rc = &RuntimeConfig{}
	}

	p := &Plan{
		Name:       d.Name,
		Manifest:   d,
		Stemcells:  make(map[string]StemcellRef, len(d.Stemcells)),
		Networks:   make(map[string]*Network, len(cc.Networks)),
		Variables:  d.Variables,
		Properties: d.Properties,
	}
	if cc.Compilation != nil {
		p.Compilation = *cc.Compilation
	}
	if p.Compilation.Workers < 1 {
		p.Compilation.Workers = 1
	}
	if vt, ok := findVMType(cc.VMTypes, p.Compilation.VMType); ok {
		p.CompilationVM = vt
	}
	for _, s := range d.Stemcells {
		p.Stemcells[s.Alias] = s
	}
	for i := range cc.Networks {
		n := cc.Networks[i]
		if n.Type == "" {
			n.Type = NetworkManual
		}
		p.Networks[n.Name] = &n
	}

	releases := make(map[string]bool)
	for _, r := range d.Releases {
		releases[r.Name] = true
		p.Releases = append(p.Releases, r)
	}
	for _, r := range rc.Releases {
		if !releases[r.Name] {
			releases[r.Name] = true
			p.Releases = append(p.Releases, r)
		}
	}

	r := &resolver{cc: cc, plan: p, releases: releases}
	seen := make(map[string]bool)
	for _, ig := range d.InstanceGroups {
		if seen[ig.Name] {
			r.fail(fleeterr.CodeBadManifest, "Duplicate instance group name '%s'", ig.Name)
			continue
		}
		seen[ig.Name] = true
		if igp := r.instanceGroup(d, ig, rc.Addons); igp != nil {
			p.InstanceGroups = append(p.InstanceGroups, igp)
		}
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return p, nil
}

type resolver struct {
	cc       *CloudConfig
	plan     *Plan
	releases map[string]bool
	code     int
	msgs     []string
}

func (r *resolver) fail(code int, format string, args ...any) {
	if r.code == 0 {
		r.code = code
	}
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func (r *resolver) err() error {
	if len(r.msgs) == 0 {
		return nil
	}
	if len(r.msgs) == 1 {
		return fleeterr.Validation(r.code, "%s", r.msgs[0])
	}
	return fleeterr.Validation(r.code, "%s", strings.Join(r.msgs, "\n"))
}

func (r *resolver) instanceGroup(d *Deployment, ig InstanceGroup, addons []Addon) *InstanceGroupPlan {
	before := len(r.msgs)
	igp := &InstanceGroupPlan{
		Name:       ig.Name,
		Lifecycle:  ig.Lifecycle,
		Instances:  ig.Instances,
		Env:        ig.Env,
		Properties: ig.Properties,
		Update:     resolveUpdate(d.Update, ig.Update),
	}
	if igp.Lifecycle == "" {
		igp.Lifecycle = LifecycleService
	}

	for _, name := range ig.AZs {
		az, ok := findAZ(r.cc.AZs, name)
		if !ok {
			r.fail(fleeterr.CodeBadManifest, "Instance group '%s' references unknown availability zone '%s'", ig.Name, name)
			continue
		}
		igp.AZs = append(igp.AZs, az)
	}

	if ig.VMType != "" {
		vt, ok := findVMType(r.cc.VMTypes, ig.VMType)
		if !ok {
			r.fail(fleeterr.CodeInstanceGroupUnknownVMType, "Instance group '%s' references an unknown vm type '%s'", ig.Name, ig.VMType)
		}
		igp.VMType = vt
	}

	if ig.Stemcell != "" {
		sc, ok := r.plan.Stemcells[ig.Stemcell]
		if !ok {
			r.fail(fleeterr.CodeInstanceGroupUnknownStemcell, "Instance group '%s' references an unknown stemcell '%s'", ig.Name, ig.Stemcell)
		}
		igp.Stemcell = sc
	}

	switch {
	case ig.PersistentDiskType != "":
		dt, ok := findDiskType(r.cc.DiskTypes, ig.PersistentDiskType)
		if !ok {
			r.fail(fleeterr.CodeInstanceGroupUnknownDiskType, "Instance group '%s' references an unknown disk type '%s'", ig.Name, ig.PersistentDiskType)
			break
		}
		if dt.DiskSize > 0 {
			igp.Disk = &dt
		}
	case ig.PersistentDisk > 0:
		igp.Disk = &DiskType{DiskSize: ig.PersistentDisk}
	}

	for _, ref := range ig.Networks {
		n, ok := r.plan.Networks[ref.Name]
		if !ok {
			r.fail(fleeterr.CodeJobMissingNetwork, "Instance group '%s' references an unknown network '%s'", ig.Name, ref.Name)
			continue
		}
		if len(ref.StaticIPs) > 0 && len(ref.StaticIPs) != ig.Instances {
			r.fail(fleeterr.CodeBadManifest, "Instance group '%s' has %d instances but was allocated %d static IPs in network '%s'",
				ig.Name, ig.Instances, len(ref.StaticIPs), ref.Name)
		}
		igp.Networks = append(igp.Networks, NetworkBinding{Network: n, StaticIPs: ref.StaticIPs, Default: ref.Default})
	}

	for _, job := range ig.Jobs {
		if !r.releases[job.Release] {
			r.fail(fleeterr.CodeInstanceGroupUnknownRelease, "Instance group '%s' references an unknown release '%s'", ig.Name, job.Release)
			continue
		}
		igp.Jobs = append(igp.Jobs, job)
	}
	if !igp.IsErrand() {
		for _, addon := range addons {
			if !addon.Applies(d.Name, ig.Name) {
				continue
			}
			for _, job := range addon.Jobs {
				if !igp.HasJob(job.Name) {
					igp.Jobs = append(igp.Jobs, job)
				}
			}
		}
	}

	if len(r.msgs) > before {
		return nil
	}
	return igp
}

// Applies reports whether the addon targets the instance group. Include
// and exclude lists hold doublestar globs; an absent include matches all.
func (a Addon) Applies(deployment, instanceGroup string) bool {
	if a.Include != nil && !a.Include.matches(deployment, instanceGroup) {
		return false
	}
	if a.Exclude != nil && a.Exclude.matches(deployment, instanceGroup) {
		return false
	}
	return true
}

func (p *Placement) matches(deployment, instanceGroup string) bool {
	if len(p.Deployments) > 0 && !matchAny(p.Deployments, deployment) {
		return false
	}
	if len(p.InstanceGroups) > 0 && !matchAny(p.InstanceGroups, instanceGroup) {
		return false
	}
	return len(p.Deployments) > 0 || len(p.InstanceGroups) > 0
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func resolveUpdate(base UpdateConfig, override *UpdateConfig) ResolvedUpdate {
	u := base
	if override != nil {
		if override.Canaries != nil {
			u.Canaries = override.Canaries
		}
		if override.MaxInFlight != "" {
			u.MaxInFlight = override.MaxInFlight
		}
		if override.CanaryWatchTime != "" {
			u.CanaryWatchTime = override.CanaryWatchTime
		}
		if override.UpdateWatchTime != "" {
			u.UpdateWatchTime = override.UpdateWatchTime
		}
		if override.Serial != nil {
			u.Serial = override.Serial
		}
	}

	out := ResolvedUpdate{
		Canaries:    DefaultCanaries,
		MaxInFlight: DefaultMaxInFlight,
		Serial:      true,
	}
	if u.Canaries != nil {
		out.Canaries = *u.Canaries
	}
	if u.MaxInFlight != "" {
		out.MaxInFlight = u.MaxInFlight.String()
	}
	if u.Serial != nil {
		out.Serial = *u.Serial
	}
	out.CanaryWatchTime = ParseWatchTime(u.CanaryWatchTime.String())
	out.UpdateWatchTime = ParseWatchTime(u.UpdateWatchTime.String())
	return out
}

// ParseWatchTime parses "1000-30000" or "5000" (milliseconds). Invalid or
// empty input yields the default range.
func ParseWatchTime(s string) WatchTime {
	if s == "" {
		s = DefaultWatchTime
	}
	lo, hi, ranged := strings.Cut(s, "-")
	minMS, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return ParseWatchTime(DefaultWatchTime)
	}
	maxMS := minMS
	if ranged {
		if maxMS, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || maxMS < minMS {
			return ParseWatchTime(DefaultWatchTime)
		}
	}
	return WatchTime{Min: time.Duration(minMS) * time.Millisecond, Max: time.Duration(maxMS) * time.Millisecond}
}

func findAZ(azs []AZ, name string) (AZ, bool) {
	for _, az := range azs {
		if az.Name == name {
			return az, true
		}
	}
	return AZ{}, false
}

func findVMType(types []VMType, name string) (VMType, bool) {
	for _, t := range types {
		if t.Name == name {
			return t, true
		}
	}
	return VMType{}, false
}

func findDiskType(types []DiskType, name string) (DiskType, bool) {
	for _, t := range types {
		if t.Name == name {
			return t, true
		}
	}
	return DiskType{}, false
}
