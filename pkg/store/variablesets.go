package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VariableSet is a generation of resolved variables for a deployment.
type VariableSet struct {
	ID                   int64     `json:"id"`
	DeploymentID         int64     `json:"deployment_id"`
	CreatedAt            time.Time `json:"created_at"`
	DeployedSuccessfully bool      `json:"deployed_successfully"`
	Writable             bool      `json:"writable"`
}

// Variable maps a variable name to the id of its resolved value.
type Variable struct {
	ID            int64  `json:"id"`
	VariableSetID int64  `json:"variable_set_id"`
	Name          string `json:"name"`
	ValueID       string `json:"value_id"`
}

func scanVariableSet(row interface{ Scan(...any) error }) (*VariableSet, error) {
	var vs VariableSet
	var createdAt string
	var deployed, writable int
	if err := row.Scan(&vs.ID, &vs.DeploymentID, &createdAt, &deployed, &writable); err != nil {
		return nil, err
	}
	vs.DeployedSuccessfully = deployed != 0
	vs.Writable = writable != 0
	var err error
	if vs.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &vs, nil
}

// CreateVariableSet allocates a new writable generation for a deployment.
func CreateVariableSet(ctx context.Context, q Queryer, deploymentID int64) (*VariableSet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	vs := VariableSet{DeploymentID: deploymentID, CreatedAt: time.Now().UTC(), Writable: true}
	err := q.QueryRowContext(ctx,
		`INSERT INTO variable_sets (deployment_id, created_at, deployed_successfully, writable) VALUES (?, ?, 0, 1) RETURNING id`,
		deploymentID, dbTime(vs.CreatedAt)).Scan(&vs.ID)
	if err != nil {
		return nil, fmt.Errorf("create variable set: %w", err)
	}
	return &vs, nil
}

// CurrentVariableSet returns the newest generation of a deployment, or nil.
func CurrentVariableSet(ctx context.Context, q Queryer, deploymentID int64) (*VariableSet, error) {
	return latestVariableSet(ctx, q, `WHERE deployment_id = ?`, deploymentID)
}

// LastSuccessfulVariableSet returns the newest generation that finished a deploy, or nil.
func LastSuccessfulVariableSet(ctx context.Context, q Queryer, deploymentID int64) (*VariableSet, error) {
	return latestVariableSet(ctx, q, `WHERE deployment_id = ? AND deployed_successfully = 1`, deploymentID)
}

func latestVariableSet(ctx context.Context, q Queryer, where string, deploymentID int64) (*VariableSet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	vs, err := scanVariableSet(q.QueryRowContext(ctx,
		`SELECT id, deployment_id, created_at, deployed_successfully, writable FROM variable_sets `+where+` ORDER BY id DESC LIMIT 1`,
		deploymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get variable set: %w", err)
	}
	return vs, nil
}

// MarkVariableSetDeployed flags a generation as deployed successfully.
func MarkVariableSetDeployed(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE variable_sets SET deployed_successfully = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark variable set deployed: %w", err)
	}
	return nil
}

// SetVariableSetWritable toggles whether new variables may be added.
func SetVariableSetWritable(ctx context.Context, q Queryer, id int64, writable bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE variable_sets SET writable = ? WHERE id = ?`, boolInt(writable), id); err != nil {
		return fmt.Errorf("set variable set writable: %w", err)
	}
	return nil
}

// CleanUnusedVariableSets deletes generations of a deployment that are
// neither in keep nor referenced by any of its instances.
func CleanUnusedVariableSets(ctx context.Context, q Queryer, deploymentID int64, keep []int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT id FROM variable_sets vs WHERE vs.deployment_id = ?
		AND NOT EXISTS (SELECT 1 FROM instances i WHERE i.variable_set_id = vs.id)`
	args := []any{deploymentID}
	if len(keep) > 0 {
		query += ` AND vs.id NOT IN (` + placeholders(len(keep)) + `)`
		args = append(args, int64Args(keep)...)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("list unused variable sets: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan variable set: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `DELETE FROM variables WHERE variable_set_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete variables: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM variable_sets WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete variable set: %w", err)
		}
	}
	return int64(len(ids)), nil
}

// DeleteDeploymentVariableSets removes every generation of a deployment.
func DeleteDeploymentVariableSets(ctx context.Context, q Queryer, deploymentID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM variables WHERE variable_set_id IN (SELECT id FROM variable_sets WHERE deployment_id = ?)`,
		`DELETE FROM variable_sets WHERE deployment_id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, deploymentID); err != nil {
			return fmt.Errorf("delete variable sets: %w", err)
		}
	}
	return nil
}

// PutVariable records the value id a variable resolved to in a generation.
func PutVariable(ctx context.Context, q Queryer, variableSetID int64, name, valueID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO variables (variable_set_id, name, value_id) VALUES (?, ?, ?)
		 ON CONFLICT(variable_set_id, name) DO UPDATE SET value_id = excluded.value_id`,
		variableSetID, name, valueID)
	if err != nil {
		return fmt.Errorf("put variable %s: %w", name, err)
	}
	return nil
}

// ListVariables returns the variables of a generation ordered by name.
func ListVariables(ctx context.Context, q Queryer, variableSetID int64) ([]Variable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, variable_set_id, name, value_id FROM variables WHERE variable_set_id = ? ORDER BY name`, variableSetID)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Variable
	for rows.Next() {
		var v Variable
		if err := rows.Scan(&v.ID, &v.VariableSetID, &v.Name, &v.ValueID); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestVariable returns the newest value recorded for name in any
// generation of a deployment, or nil.
func LatestVariable(ctx context.Context, q Queryer, deploymentID int64, name string) (*Variable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var v Variable
	err := q.QueryRowContext(ctx,
		`SELECT v.id, v.variable_set_id, v.name, v.value_id FROM variables v
		 JOIN variable_sets vs ON vs.id = v.variable_set_id
		 WHERE vs.deployment_id = ? AND v.name = ?
		 ORDER BY v.variable_set_id DESC, v.id DESC LIMIT 1`, deploymentID, name).
		Scan(&v.ID, &v.VariableSetID, &v.Name, &v.ValueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest variable %s: %w", name, err)
	}
	return &v, nil
}
