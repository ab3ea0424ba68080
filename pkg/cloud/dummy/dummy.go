// Package dummy provides an in-memory CPI and agent broker. Every call is
// recorded so tests can assert which RPCs an operation made.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/3leaps/gofleet/pkg/cloud"
)

// ProviderName is the name the dummy cloud registers under.
const ProviderName = "dummy"

func init() {
	cloud.RegisterProvider(ProviderName, func(context.Context) (cloud.CPI, cloud.Agents, error) {
		return NewCPI(), NewAgents(), nil
	})
}

// Call is one recorded RPC.
type Call struct {
	Method string
	Target string
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

func (r *recorder) record(method, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Target: target})
	if err, ok := r.fail[method]; ok {
		return err
	}
	return nil
}

// FailOn makes every later call to method return err. A nil err clears it.
func (r *recorder) FailOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = make(map[string]error)
	}
	if err == nil {
		delete(r.fail, method)
		return
	}
	r.fail[method] = err
}

// Calls returns a copy of the recorded calls.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times method was called.
func (r *recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (r *recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// CPI is an in-memory cloud.
type CPI struct {
	recorder

	state     sync.Mutex
	stemcells map[string]bool
	vms       map[string]cloud.VMRequest
	disks     map[string]string // disk cid -> attached vm cid
	snapshots map[string]string
}

var _ cloud.CPI = (*CPI)(nil)

func NewCPI() *CPI {
	return &CPI{
		stemcells: make(map[string]bool),
		vms:       make(map[string]cloud.VMRequest),
		disks:     make(map[string]string),
		snapshots: make(map[string]string),
	}
}

func newCID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (c *CPI) CreateStemcell(_ context.Context, imagePath string, _ map[string]any) (string, error) {
	if err := c.record("create_stemcell", imagePath); err != nil {
		return "", err
	}
	cid := newCID("sc")
	c.state.Lock()
	c.stemcells[cid] = true
	c.state.Unlock()
	return cid, nil
}

func (c *CPI) DeleteStemcell(_ context.Context, cid string) error {
	if err := c.record("delete_stemcell", cid); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	if !c.stemcells[cid] {
		return cloud.NotFound("delete_stemcell", cid)
	}
	delete(c.stemcells, cid)
	return nil
}

func (c *CPI) CreateVM(_ context.Context, req cloud.VMRequest) (string, error) {
	if err := c.record("create_vm", req.AgentID); err != nil {
		return "", err
	}
	cid := newCID("vm")
	c.state.Lock()
	c.vms[cid] = req
	c.state.Unlock()
	return cid, nil
}

func (c *CPI) DeleteVM(_ context.Context, cid string) error {
	if err := c.record("delete_vm", cid); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	if _, ok := c.vms[cid]; !ok {
		return cloud.NotFound("delete_vm", cid)
	}
	delete(c.vms, cid)
	for disk, vm := range c.disks {
		if vm == cid {
			c.disks[disk] = ""
		}
	}
	return nil
}

func (c *CPI) HasVM(_ context.Context, cid string) (bool, error) {
	if err := c.record("has_vm", cid); err != nil {
		return false, err
	}
	c.state.Lock()
	defer c.state.Unlock()
	_, ok := c.vms[cid]
	return ok, nil
}

func (c *CPI) CreateDisk(_ context.Context, _ int, _ map[string]any, vmCID string) (string, error) {
	if err := c.record("create_disk", vmCID); err != nil {
		return "", err
	}
	cid := newCID("disk")
	c.state.Lock()
	c.disks[cid] = ""
	c.state.Unlock()
	return cid, nil
}

func (c *CPI) DeleteDisk(_ context.Context, cid string) error {
	if err := c.record("delete_disk", cid); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	if _, ok := c.disks[cid]; !ok {
		return cloud.NotFound("delete_disk", cid)
	}
	delete(c.disks, cid)
	return nil
}

func (c *CPI) AttachDisk(_ context.Context, vmCID, diskCID string) error {
	if err := c.record("attach_disk", diskCID); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	if _, ok := c.vms[vmCID]; !ok {
		return cloud.NotFound("attach_disk", vmCID)
	}
	vm, ok := c.disks[diskCID]
	if !ok {
		return cloud.NotFound("attach_disk", diskCID)
	}
	if vm != "" && vm != vmCID {
		return fmt.Errorf("%s is already attached to an instance", diskCID)
	}
	c.disks[diskCID] = vmCID
	return nil
}

func (c *CPI) DetachDisk(_ context.Context, vmCID, diskCID string) error {
	if err := c.record("detach_disk", diskCID); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	vm, ok := c.disks[diskCID]
	if !ok {
		return cloud.NotFound("detach_disk", diskCID)
	}
	if vm != vmCID {
		return fmt.Errorf("%s is not attached to instance %s", diskCID, vmCID)
	}
	c.disks[diskCID] = ""
	return nil
}

func (c *CPI) SnapshotDisk(_ context.Context, diskCID string, _ map[string]string) (string, error) {
	if err := c.record("snapshot_disk", diskCID); err != nil {
		return "", err
	}
	cid := newCID("snap")
	c.state.Lock()
	c.snapshots[cid] = diskCID
	c.state.Unlock()
	return cid, nil
}

func (c *CPI) DeleteSnapshot(_ context.Context, snapshotCID string) error {
	if err := c.record("delete_snapshot", snapshotCID); err != nil {
		return err
	}
	c.state.Lock()
	defer c.state.Unlock()
	if _, ok := c.snapshots[snapshotCID]; !ok {
		return cloud.NotFound("delete_snapshot", snapshotCID)
	}
	delete(c.snapshots, snapshotCID)
	return nil
}

// AddVM registers an existing VM, e.g. one created before the test.
func (c *CPI) AddVM(cid string) {
	c.state.Lock()
	c.vms[cid] = cloud.VMRequest{}
	c.state.Unlock()
}

// AddDisk registers an existing disk attached to vmCID ("" for none).
func (c *CPI) AddDisk(cid, vmCID string) {
	c.state.Lock()
	c.disks[cid] = vmCID
	c.state.Unlock()
}

// VMExists reports whether cid is a live VM.
func (c *CPI) VMExists(cid string) bool {
	c.state.Lock()
	defer c.state.Unlock()
	_, ok := c.vms[cid]
	return ok
}

// DiskAttachment returns the VM a disk is attached to and whether the disk
// exists.
func (c *CPI) DiskAttachment(cid string) (string, bool) {
	c.state.Lock()
	defer c.state.Unlock()
	vm, ok := c.disks[cid]
	return vm, ok
}

// VMCount returns the number of live VMs.
func (c *CPI) VMCount() int {
	c.state.Lock()
	defer c.state.Unlock()
	return len(c.vms)
}

// Agents hands out one in-memory Agent per agent id. All agents share one
// call log, with targets set to the agent id.
type Agents struct {
	recorder

	mu         sync.Mutex
	agents     map[string]*Agent
	errandGate chan struct{}

	// Errand is returned by RunErrand on every agent.
	Errand cloud.ErrandResult
}

var _ cloud.Agents = (*Agents)(nil)

func NewAgents() *Agents {
	return &Agents{agents: make(map[string]*Agent)}
}

func (b *Agents) ForAgent(agentID string) cloud.Agent {
	return b.Agent(agentID)
}

// Agent returns the concrete agent for id, creating it on first use.
func (b *Agents) Agent(agentID string) *Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		a = &Agent{id: agentID, broker: b, jobState: cloud.JobStateStopped}
		b.agents[agentID] = a
	}
	return a
}

// HoldErrands makes RunErrand on every agent without its own hold block
// until the returned func is called or the call is cancelled.
func (b *Agents) HoldErrands() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.errandGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Agent is one in-memory agent.
type Agent struct {
	id     string
	broker *Agents

	mu           sync.Mutex
	jobState     string
	unresponsive bool
	applied      *cloud.ApplySpec
	mounted      map[string]bool
	errandGate   chan struct{}
}

var _ cloud.Agent = (*Agent)(nil)

// SetUnresponsive makes every call block until its context ends.
func (a *Agent) SetUnresponsive(v bool) {
	a.mu.Lock()
	a.unresponsive = v
	a.mu.Unlock()
}

// HoldErrand makes RunErrand block until the returned func is called or
// the call is cancelled.
func (a *Agent) HoldErrand() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.errandGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Applied returns the last applied spec.
func (a *Agent) Applied() *cloud.ApplySpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Mounted reports whether diskCID is mounted.
func (a *Agent) Mounted(diskCID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mounted[diskCID]
}

// JobState returns the current job state.
func (a *Agent) JobState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobState
}

func (a *Agent) enter(ctx context.Context, method string) error {
	if err := a.broker.record(method, a.id); err != nil {
		return err
	}
	a.mu.Lock()
	unresponsive := a.unresponsive
	a.mu.Unlock()
	if unresponsive {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (a *Agent) GetState(ctx context.Context) (*cloud.AgentState, error) {
	if err := a.enter(ctx, "get_state"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := &cloud.AgentState{AgentID: a.id, JobState: a.jobState}
	if a.applied != nil {
		st.ConfigurationHash = a.applied.ConfigurationHash
	}
	return st, nil
}

func (a *Agent) Apply(ctx context.Context, spec cloud.ApplySpec) error {
	if err := a.enter(ctx, "apply"); err != nil {
		return err
	}
	a.mu.Lock()
	a.applied = &spec
	a.mu.Unlock()
	return nil
}

func (a *Agent) Start(ctx context.Context) error {
	if err := a.enter(ctx, "start"); err != nil {
		return err
	}
	a.mu.Lock()
	a.jobState = cloud.JobStateRunning
	a.mu.Unlock()
	return nil
}

func (a *Agent) Stop(ctx context.Context) error {
	if err := a.enter(ctx, "stop"); err != nil {
		return err
	}
	a.mu.Lock()
	a.jobState = cloud.JobStateStopped
	a.mu.Unlock()
	return nil
}

func (a *Agent) Drain(ctx context.Context, _ string) (int, error) {
	return 0, a.enter(ctx, "drain")
}

func (a *Agent) RunScript(ctx context.Context, name string) error {
	return a.enter(ctx, "run_script:"+name)
}

func (a *Agent) MountDisk(ctx context.Context, diskCID string) error {
	if err := a.enter(ctx, "mount_disk"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mounted == nil {
		a.mounted = make(map[string]bool)
	}
	a.mounted[diskCID] = true
	return nil
}

func (a *Agent) UnmountDisk(ctx context.Context, diskCID string) error {
	if err := a.enter(ctx, "unmount_disk"); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.mounted, diskCID)
	a.mu.Unlock()
	return nil
}

func (a *Agent) RunErrand(ctx context.Context) (*cloud.ErrandResult, error) {
	if err := a.enter(ctx, "run_errand"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	gate := a.errandGate
	a.mu.Unlock()
	if gate == nil {
		a.broker.mu.Lock()
		gate = a.broker.errandGate
		a.broker.mu.Unlock()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	res := a.broker.Errand
	return &res, nil
}

func (a *Agent) CancelTask(ctx context.Context) error {
	return a.enter(ctx, "cancel_task")
}

func (a *Agent) CompilePackage(ctx context.Context, req cloud.CompileRequest) (*cloud.CompiledBlob, error) {
	if err := a.enter(ctx, "compile_package"); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.New("package name is required")
	}
	return &cloud.CompiledBlob{BlobstoreID: uuid.NewString(), SHA1: "sha1-" + req.Name}, nil
}

func (a *Agent) SSH(ctx context.Context, command string, _ map[string]any) (map[string]any, error) {
	if err := a.enter(ctx, "ssh"); err != nil {
		return nil, err
	}
	return map[string]any{"command": command, "status": "success"}, nil
}
