// Package cloud defines the capabilities the director consumes from the
// cloud provider interface (CPI) and from the agents running on each VM.
//
// Implementations live outside this module; the director only depends on
// these interfaces. Wrap implementations with Guard to get rate limiting,
// RPC timeouts, metrics and tracing.
package cloud

import (
	"context"
)

// CPI creates and destroys IaaS resources.
//
// Every method that addresses an existing resource by cid returns an error
// matching ErrNotFound when the resource is already gone. Callers deleting
// resources treat that as success.
type CPI interface {
	CreateStemcell(ctx context.Context, imagePath string, cloudProperties map[string]any) (string, error)
	DeleteStemcell(ctx context.Context, cid string) error

	CreateVM(ctx context.Context, req VMRequest) (string, error)
	DeleteVM(ctx context.Context, cid string) error
	HasVM(ctx context.Context, cid string) (bool, error)

	CreateDisk(ctx context.Context, size int, cloudProperties map[string]any, vmCID string) (string, error)
	DeleteDisk(ctx context.Context, cid string) error
	AttachDisk(ctx context.Context, vmCID, diskCID string) error
	DetachDisk(ctx context.Context, vmCID, diskCID string) error
	SnapshotDisk(ctx context.Context, diskCID string, metadata map[string]string) (string, error)
	DeleteSnapshot(ctx context.Context, snapshotCID string) error
}

// VMRequest describes a VM to create.
type VMRequest struct {
	AgentID         string
	StemcellCID     string
	CloudProperties map[string]any
	Networks        map[string]NetworkSettings
	DiskCIDs        []string
	Env             map[string]any
}

// NetworkSettings is the per-network configuration handed to the CPI and
// the agent.
type NetworkSettings struct {
	Type            string         `json:"type"`
	IP              string         `json:"ip,omitempty"`
	Netmask         string         `json:"netmask,omitempty"`
	Gateway         string         `json:"gateway,omitempty"`
	DNS             []string       `json:"dns,omitempty"`
	Default         []string       `json:"default,omitempty"`
	CloudProperties map[string]any `json:"cloud_properties,omitempty"`
}

// Agent is the RPC surface of the agent on one VM.
type Agent interface {
	GetState(ctx context.Context) (*AgentState, error)
	Apply(ctx context.Context, spec ApplySpec) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Drain runs the jobs' drain scripts and returns how many seconds the
	// caller should wait before stopping.
	Drain(ctx context.Context, kind string) (int, error)

	// RunScript runs a lifecycle script (pre-start, post-start, post-deploy,
	// pre-stop) across the instance's jobs.
	RunScript(ctx context.Context, name string) error

	MountDisk(ctx context.Context, diskCID string) error
	UnmountDisk(ctx context.Context, diskCID string) error

	// RunErrand blocks until the errand payload exits.
	RunErrand(ctx context.Context) (*ErrandResult, error)
	// CancelTask asks the agent to abort its current long-running task.
	CancelTask(ctx context.Context) error

	CompilePackage(ctx context.Context, req CompileRequest) (*CompiledBlob, error)
	SSH(ctx context.Context, command string, params map[string]any) (map[string]any, error)
}

// Agents resolves the agent client for a VM.
type Agents interface {
	ForAgent(agentID string) Agent
}

// Job states reported by agents.
const (
	JobStateRunning      = "running"
	JobStateStopped      = "stopped"
	JobStateFailing      = "failing"
	JobStateUnresponsive = "unresponsive"
)

// AgentState is the result of get_state.
type AgentState struct {
	AgentID           string `json:"agent_id"`
	JobState          string `json:"job_state"`
	ConfigurationHash string `json:"configuration_hash,omitempty"`
}

// ApplySpec is the desired state pushed to an agent.
type ApplySpec struct {
	Deployment        string                     `json:"deployment"`
	Job               string                     `json:"job"`
	Index             int                        `json:"index"`
	ID                string                     `json:"id"`
	AZ                string                     `json:"az,omitempty"`
	Networks          map[string]NetworkSettings `json:"networks,omitempty"`
	Packages          map[string]PackageRef      `json:"packages,omitempty"`
	Templates         map[string]string          `json:"rendered_templates,omitempty"`
	ConfigurationHash string                     `json:"configuration_hash,omitempty"`
	PersistentDisk    int                        `json:"persistent_disk"`
}

// PackageRef points at a compiled package blob.
type PackageRef struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	SHA1        string `json:"sha1"`
	BlobstoreID string `json:"blobstore_id"`
}

// ErrandResult is what an errand run reports back.
type ErrandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CompileRequest asks a compilation VM to build one package.
type CompileRequest struct {
	Name         string
	Version      string
	BlobstoreID  string
	SHA1         string
	Dependencies map[string]PackageRef
}

// CompiledBlob is the compiled package uploaded by the agent.
type CompiledBlob struct {
	BlobstoreID string
	SHA1        string
}
