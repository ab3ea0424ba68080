// Package manifest loads and validates the documents that describe a
// deployment: the deployment manifest itself, the cloud config, the runtime
// config and uploaded release descriptors.
//
// Documents are YAML (or JSON) validated against embedded JSON schemas,
// then decoded into typed structs. NewPlan combines a deployment manifest
// with the cloud and runtime configs into an immutable Plan.
//
// Example deployment manifest:
//
//	name: web
//	releases:
//	  - name: nginx
//	    version: "1.2"
//	stemcells:
//	  - alias: default
//	    os: jammy
//	    version: latest
//	instance_groups:
//	  - name: web
//	    instances: 2
//	    azs: [z1]
//	    vm_type: small
//	    stemcell: default
//	    networks: [{name: private}]
//	    jobs:
//	      - name: nginx
//	        release: nginx
package manifest

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scalar is a string that also accepts YAML/JSON numbers and booleans, so
// `version: 1.2` and `version: "1.2"` decode the same way.
type Scalar string

func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	*s = Scalar(node.Value)
	return nil
}

func (s *Scalar) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected a string or number, got %s", b)
	}
	*s = Scalar(n.String())
	return nil
}

func (s Scalar) String() string { return string(s) }

// Deployment is a decoded deployment manifest.
type Deployment struct {
	Name           string            `json:"name" yaml:"name" validate:"required"`
	DirectorUUID   string            `json:"director_uuid,omitempty" yaml:"director_uuid,omitempty"`
	Releases       []ReleaseRef      `json:"releases" yaml:"releases" validate:"dive"`
	Stemcells      []StemcellRef     `json:"stemcells,omitempty" yaml:"stemcells,omitempty" validate:"dive"`
	Update         UpdateConfig      `json:"update,omitempty" yaml:"update,omitempty"`
	InstanceGroups []InstanceGroup   `json:"instance_groups" yaml:"instance_groups" validate:"dive"`
	Variables      []Variable        `json:"variables,omitempty" yaml:"variables,omitempty"`
	Features       map[string]any    `json:"features,omitempty" yaml:"features,omitempty"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Properties     map[string]any    `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ReleaseRef names one release version.
type ReleaseRef struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Version Scalar `json:"version" yaml:"version" validate:"required"`
}

// StemcellRef binds an alias to a stemcell by OS or by name.
type StemcellRef struct {
	Alias   string `json:"alias" yaml:"alias" validate:"required"`
	OS      string `json:"os,omitempty" yaml:"os,omitempty" validate:"required_without=Name"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version Scalar `json:"version" yaml:"version" validate:"required"`
}

// UpdateConfig controls how instance groups are rolled out. Unset fields
// inherit from the deployment-level block.
type UpdateConfig struct {
	Canaries        *int   `json:"canaries,omitempty" yaml:"canaries,omitempty"`
	MaxInFlight     Scalar `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
	CanaryWatchTime Scalar `json:"canary_watch_time,omitempty" yaml:"canary_watch_time,omitempty"`
	UpdateWatchTime Scalar `json:"update_watch_time,omitempty" yaml:"update_watch_time,omitempty"`
	Serial          *bool  `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// InstanceGroup is one group of identical instances.
type InstanceGroup struct {
	Name               string         `json:"name" yaml:"name" validate:"required"`
	Instances          int            `json:"instances" yaml:"instances" validate:"gte=0"`
	AZs                []string       `json:"azs,omitempty" yaml:"azs,omitempty"`
	Lifecycle          string         `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty" validate:"omitempty,oneof=service errand"`
	VMType             string         `json:"vm_type,omitempty" yaml:"vm_type,omitempty"`
	Stemcell           string         `json:"stemcell,omitempty" yaml:"stemcell,omitempty"`
	PersistentDisk     int            `json:"persistent_disk,omitempty" yaml:"persistent_disk,omitempty"`
	PersistentDiskType string         `json:"persistent_disk_type,omitempty" yaml:"persistent_disk_type,omitempty"`
	Env                map[string]any `json:"env,omitempty" yaml:"env,omitempty"`
	Update             *UpdateConfig  `json:"update,omitempty" yaml:"update,omitempty"`
	Properties         map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Networks           []NetworkRef   `json:"networks" yaml:"networks" validate:"min=1,dive"`
	Jobs               []JobRef       `json:"jobs" yaml:"jobs" validate:"dive"`
}

// NetworkRef attaches an instance group to a cloud-config network.
type NetworkRef struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	StaticIPs []string `json:"static_ips,omitempty" yaml:"static_ips,omitempty" validate:"dive,ip"`
	Default   []string `json:"default,omitempty" yaml:"default,omitempty"`
}

// JobRef places a release job on an instance group.
type JobRef struct {
	Name       string                  `json:"name" yaml:"name" validate:"required"`
	Release    string                  `json:"release" yaml:"release" validate:"required"`
	Properties map[string]any          `json:"properties,omitempty" yaml:"properties,omitempty"`
	Provides   map[string]*LinkProvide `json:"provides,omitempty" yaml:"provides,omitempty"`
	// Consumes maps link names to their source. An explicit null entry
	// disables the link.
	Consumes map[string]*LinkConsume `json:"consumes,omitempty" yaml:"consumes,omitempty"`
}

// LinkProvide renames or shares a provided link.
type LinkProvide struct {
	As     string `json:"as,omitempty" yaml:"as,omitempty"`
	Shared bool   `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// LinkConsume points a consumed link at a provider alias.
type LinkConsume struct {
	From string `json:"from,omitempty" yaml:"from,omitempty"`
}

// Variable declares a generated credential.
type Variable struct {
	Name    string         `json:"name" yaml:"name"`
	Type    string         `json:"type" yaml:"type"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// CloudConfig describes IaaS resources shared by all deployments.
type CloudConfig struct {
	AZs         []AZ         `json:"azs,omitempty" yaml:"azs,omitempty"`
	VMTypes     []VMType     `json:"vm_types,omitempty" yaml:"vm_types,omitempty"`
	DiskTypes   []DiskType   `json:"disk_types,omitempty" yaml:"disk_types,omitempty"`
	Networks    []Network    `json:"networks,omitempty" yaml:"networks,omitempty" validate:"dive"`
	Compilation *Compilation `json:"compilation,omitempty" yaml:"compilation,omitempty"`
}

type AZ struct {
	Name            string         `json:"name" yaml:"name"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty" yaml:"cloud_properties,omitempty"`
}

type VMType struct {
	Name            string         `json:"name" yaml:"name"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty" yaml:"cloud_properties,omitempty"`
}

type DiskType struct {
	Name            string         `json:"name" yaml:"name"`
	DiskSize        int            `json:"disk_size" yaml:"disk_size"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty" yaml:"cloud_properties,omitempty"`
}

// Network types.
const (
	NetworkManual  = "manual"
	NetworkDynamic = "dynamic"
	NetworkVIP     = "vip"
)

type Network struct {
	Name            string         `json:"name" yaml:"name" validate:"required"`
	Type            string         `json:"type,omitempty" yaml:"type,omitempty"`
	Managed         bool           `json:"managed,omitempty" yaml:"managed,omitempty"`
	Subnets         []Subnet       `json:"subnets,omitempty" yaml:"subnets,omitempty" validate:"dive"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty" yaml:"cloud_properties,omitempty"`
}

type Subnet struct {
	Range           string         `json:"range,omitempty" yaml:"range,omitempty" validate:"omitempty,cidr"`
	Gateway         string         `json:"gateway,omitempty" yaml:"gateway,omitempty" validate:"omitempty,ip"`
	AZs             []string       `json:"azs,omitempty" yaml:"azs,omitempty"`
	AZ              string         `json:"az,omitempty" yaml:"az,omitempty"`
	Static          []string       `json:"static,omitempty" yaml:"static,omitempty"`
	Reserved        []string       `json:"reserved,omitempty" yaml:"reserved,omitempty"`
	DNS             []string       `json:"dns,omitempty" yaml:"dns,omitempty"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty" yaml:"cloud_properties,omitempty"`
}

// Compilation configures compilation VMs.
type Compilation struct {
	Workers             int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	Network             string `json:"network,omitempty" yaml:"network,omitempty"`
	VMType              string `json:"vm_type,omitempty" yaml:"vm_type,omitempty"`
	AZ                  string `json:"az,omitempty" yaml:"az,omitempty"`
	ReuseCompilationVMs bool   `json:"reuse_compilation_vms,omitempty" yaml:"reuse_compilation_vms,omitempty"`
}

// RuntimeConfig adds jobs to every matching instance group.
type RuntimeConfig struct {
	Releases []ReleaseRef `json:"releases,omitempty" yaml:"releases,omitempty"`
	Addons   []Addon      `json:"addons,omitempty" yaml:"addons,omitempty"`
}

type Addon struct {
	Name    string     `json:"name" yaml:"name"`
	Jobs    []JobRef   `json:"jobs" yaml:"jobs"`
	Include *Placement `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude *Placement `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Placement selects instance groups with doublestar globs, e.g.
// "deployments: [web-*]" or "instance_groups: [router]".
type Placement struct {
	Deployments    []string `json:"deployments,omitempty" yaml:"deployments,omitempty"`
	InstanceGroups []string `json:"instance_groups,omitempty" yaml:"instance_groups,omitempty"`
}

// Release is an uploaded release descriptor.
type Release struct {
	Name       string       `json:"name" yaml:"name" validate:"required"`
	Version    Scalar       `json:"version" yaml:"version" validate:"required"`
	CommitHash string       `json:"commit_hash,omitempty" yaml:"commit_hash,omitempty"`
	Packages   []Package    `json:"packages,omitempty" yaml:"packages,omitempty"`
	Jobs       []ReleaseJob `json:"jobs,omitempty" yaml:"jobs,omitempty" validate:"dive"`
}

type Package struct {
	Name         string   `json:"name" yaml:"name"`
	Fingerprint  string   `json:"fingerprint" yaml:"fingerprint"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// ReleaseJob is a job shipped in a release: its templates (keyed by
// destination path), the packages it needs and the links it takes part in.
type ReleaseJob struct {
	Name       string                 `json:"name" yaml:"name" validate:"required"`
	Templates  map[string]string      `json:"templates,omitempty" yaml:"templates,omitempty"`
	Packages   []string               `json:"packages,omitempty" yaml:"packages,omitempty"`
	Properties map[string]PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Provides   []LinkDef              `json:"provides,omitempty" yaml:"provides,omitempty"`
	Consumes   []LinkDef              `json:"consumes,omitempty" yaml:"consumes,omitempty"`
}

type PropertyDef struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

type LinkDef struct {
	Name       string   `json:"name" yaml:"name"`
	Type       string   `json:"type" yaml:"type"`
	Optional   bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Properties []string `json:"properties,omitempty" yaml:"properties,omitempty"`
}
