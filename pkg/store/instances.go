package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// InstanceState is the desired/observed lifecycle state of an instance.
type InstanceState string

const (
	InstanceStarted  InstanceState = "started"
	InstanceStopped  InstanceState = "stopped"
	InstanceDetached InstanceState = "detached"
)

// Instance lifecycles.
const (
	LifecycleService = "service"
	LifecycleErrand  = "errand"
)

// Instance is one VM-backed member of an instance group.
type Instance struct {
	ID                int64         `json:"id"`
	DeploymentID      int64         `json:"deployment_id"`
	Job               string        `json:"job"`
	Index             int           `json:"index"`
	UUID              string        `json:"id_uuid"`
	State             InstanceState `json:"state"`
	Lifecycle         string        `json:"lifecycle"`
	AvailabilityZone  string        `json:"az,omitempty"`
	Bootstrap         bool          `json:"bootstrap"`
	Ignore            bool          `json:"ignore"`
	VMCID             string        `json:"vm_cid,omitempty"`
	AgentID           string        `json:"agent_id,omitempty"`
	StemcellCID       string        `json:"stemcell_cid,omitempty"`
	VariableSetID     *int64        `json:"variable_set_id,omitempty"`
	Spec              string        `json:"-"`
	ConfigurationHash string        `json:"configuration_hash,omitempty"`
	UpdateCompleted   bool          `json:"update_completed"`
}

// Name returns the canonical "<job>/<uuid>" instance name.
func (i Instance) Name() string {
	return i.Job + "/" + i.UUID
}

// HasVM reports whether the instance currently owns a VM.
func (i Instance) HasVM() bool {
	return i.VMCID != ""
}

const instanceColumns = `id, deployment_id, job, idx, uuid, state, lifecycle, availability_zone, bootstrap, ignored,
	vm_cid, agent_id, stemcell_cid, variable_set_id, spec, configuration_hash, update_completed`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var i Instance
	var state string
	var az, vmCID, agentID, stemcellCID, spec, hash sql.NullString
	var variableSetID sql.NullInt64
	var bootstrap, ignored, updateCompleted int
	if err := row.Scan(&i.ID, &i.DeploymentID, &i.Job, &i.Index, &i.UUID, &state, &i.Lifecycle, &az, &bootstrap, &ignored,
		&vmCID, &agentID, &stemcellCID, &variableSetID, &spec, &hash, &updateCompleted); err != nil {
		return nil, err
	}
	i.State = InstanceState(state)
	i.AvailabilityZone = az.String
	i.Bootstrap = bootstrap != 0
	i.Ignore = ignored != 0
	i.VMCID = vmCID.String
	i.AgentID = agentID.String
	i.StemcellCID = stemcellCID.String
	i.VariableSetID = optionalInt64(variableSetID)
	i.Spec = spec.String
	i.ConfigurationHash = hash.String
	i.UpdateCompleted = updateCompleted != 0
	return &i, nil
}

// CreateInstance inserts an instance. A missing UUID is generated.
func CreateInstance(ctx context.Context, q Queryer, i Instance) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if i.UUID == "" {
		i.UUID = uuid.NewString()
	}
	if i.State == "" {
		i.State = InstanceStarted
	}
	if i.Lifecycle == "" {
		i.Lifecycle = LifecycleService
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO instances (deployment_id, job, idx, uuid, state, lifecycle, availability_zone, bootstrap, ignored,
			vm_cid, agent_id, stemcell_cid, variable_set_id, spec, configuration_hash, update_completed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		i.DeploymentID, i.Job, i.Index, i.UUID, string(i.State), i.Lifecycle, nullableString(i.AvailabilityZone),
		boolInt(i.Bootstrap), boolInt(i.Ignore), nullableString(i.VMCID), nullableString(i.AgentID),
		nullableString(i.StemcellCID), nullableInt64(i.VariableSetID), nullableString(i.Spec),
		nullableString(i.ConfigurationHash), boolInt(i.UpdateCompleted)).Scan(&i.ID)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return &i, nil
}

// GetInstance loads an instance by id.
func GetInstance(ctx context.Context, q Queryer, id int64) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	i, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeInstanceNotFound, "Instance %d doesn't exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return i, nil
}

// FindInstance looks up "<job>/<id>" in a deployment, where id is either the
// instance uuid or its numeric index.
func FindInstance(ctx context.Context, q Queryer, deploymentID int64, deploymentName, job, id string) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE deployment_id = ? AND job = ? AND uuid = ?`
	args := []any{deploymentID, job, id}
	if idx, err := strconv.Atoi(id); err == nil {
		query = `SELECT ` + instanceColumns + ` FROM instances WHERE deployment_id = ? AND job = ? AND idx = ?`
		args = []any{deploymentID, job, idx}
	}
	i, err := scanInstance(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeInstanceNotFound,
			"Instance '%s/%s' doesn't exist in deployment '%s'", job, id, deploymentName)
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return i, nil
}

// FindInstanceByVMCID returns the instance owning a VM, or nil.
func FindInstanceByVMCID(ctx context.Context, q Queryer, vmCID string) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	i, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE vm_cid = ?`, vmCID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instance by vm: %w", err)
	}
	return i, nil
}

// ListInstances returns every instance of a deployment ordered by job and index.
func ListInstances(ctx context.Context, q Queryer, deploymentID int64) ([]Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE deployment_id = ? ORDER BY job, idx`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// UpdateInstanceState records a new instance state.
func UpdateInstanceState(ctx context.Context, q Queryer, id int64, state InstanceState) error {
	return execInstance(ctx, q, `UPDATE instances SET state = ? WHERE id = ?`, string(state), id)
}

// SetInstanceVM records the VM backing an instance.
func SetInstanceVM(ctx context.Context, q Queryer, id int64, vmCID, agentID, stemcellCID string) error {
	return execInstance(ctx, q, `UPDATE instances SET vm_cid = ?, agent_id = ?, stemcell_cid = ? WHERE id = ?`,
		nullableString(vmCID), nullableString(agentID), nullableString(stemcellCID), id)
}

// ClearInstanceVM forgets the instance's VM after it was deleted.
func ClearInstanceVM(ctx context.Context, q Queryer, id int64) error {
	return execInstance(ctx, q, `UPDATE instances SET vm_cid = NULL, agent_id = NULL, stemcell_cid = NULL WHERE id = ?`, id)
}

// SetInstanceIgnore toggles the ignore flag.
func SetInstanceIgnore(ctx context.Context, q Queryer, id int64, ignore bool) error {
	return execInstance(ctx, q, `UPDATE instances SET ignored = ? WHERE id = ?`, boolInt(ignore), id)
}

// UpdateInstanceSpec stores the rendered apply spec and the variable set it was rendered against.
func UpdateInstanceSpec(ctx context.Context, q Queryer, id int64, spec, configurationHash string, variableSetID *int64) error {
	return execInstance(ctx, q,
		`UPDATE instances SET spec = ?, configuration_hash = ?, variable_set_id = ? WHERE id = ?`,
		nullableString(spec), nullableString(configurationHash), nullableInt64(variableSetID), id)
}

// SetInstanceUpdateCompleted marks whether the last update reached the end.
func SetInstanceUpdateCompleted(ctx context.Context, q Queryer, id int64, done bool) error {
	return execInstance(ctx, q, `UPDATE instances SET update_completed = ? WHERE id = ?`, boolInt(done), id)
}

// SetInstanceBootstrap marks an instance as its group's bootstrap member.
func SetInstanceBootstrap(ctx context.Context, q Queryer, id int64, bootstrap bool) error {
	return execInstance(ctx, q, `UPDATE instances SET bootstrap = ? WHERE id = ?`, boolInt(bootstrap), id)
}

// DeleteInstance removes an instance row and the records keyed by it.
func DeleteInstance(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM errand_runs WHERE instance_id = ?`,
		`DELETE FROM local_dns_records WHERE instance_id = ?`,
		`DELETE FROM instances WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete instance: %w", err)
		}
	}
	return nil
}

func execInstance(ctx context.Context, q Queryer, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}
