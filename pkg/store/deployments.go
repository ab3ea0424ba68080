package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Deployment is a named desired-state unit.
type Deployment struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Manifest        string    `json:"-"`
	LinksSerialID   int64     `json:"links_serial_id"`
	CloudConfigID   *int64    `json:"cloud_config_id,omitempty"`
	RuntimeConfigID *int64    `json:"runtime_config_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

const deploymentColumns = `id, name, manifest, links_serial_id, cloud_config_id, runtime_config_id, created_at`

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	var d Deployment
	var manifest sql.NullString
	var cloudID, runtimeID sql.NullInt64
	var createdAt string
	if err := row.Scan(&d.ID, &d.Name, &manifest, &d.LinksSerialID, &cloudID, &runtimeID, &createdAt); err != nil {
		return nil, err
	}
	d.Manifest = manifest.String
	d.CloudConfigID = optionalInt64(cloudID)
	d.RuntimeConfigID = optionalInt64(runtimeID)
	var err error
	if d.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// FindOrCreateDeployment returns the named deployment, creating an empty one
// when it does not exist yet. created reports which happened.
func FindOrCreateDeployment(ctx context.Context, q Queryer, name string) (d *Deployment, created bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err = GetDeployment(ctx, q, name)
	if err == nil {
		return d, false, nil
	}
	if !fleeterr.IsNotFound(err) {
		return nil, false, err
	}

	d = &Deployment{Name: name, CreatedAt: time.Now().UTC()}
	err = q.QueryRowContext(ctx,
		`INSERT INTO deployments (name, links_serial_id, created_at) VALUES (?, 0, ?) RETURNING id`,
		name, dbTime(d.CreatedAt)).Scan(&d.ID)
	if err != nil {
		return nil, false, fmt.Errorf("create deployment: %w", err)
	}
	return d, true, nil
}

// GetDeployment loads a deployment by name.
func GetDeployment(ctx context.Context, q Queryer, name string) (*Deployment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := scanDeployment(q.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeDeploymentNotFound, "Deployment '%s' doesn't exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

// GetDeploymentByID loads a deployment by id.
func GetDeploymentByID(ctx context.Context, q Queryer, id int64) (*Deployment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := scanDeployment(q.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeDeploymentNotFound, "Deployment %d doesn't exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns all deployments ordered by name.
func ListDeployments(ctx context.Context, q Queryer) ([]Deployment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CountDeployments returns the number of deployments.
func CountDeployments(ctx context.Context, q Queryer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deployments: %w", err)
	}
	return n, nil
}

// UpdateDeploymentManifest stores the manifest and config ids applied by a deploy.
func UpdateDeploymentManifest(ctx context.Context, q Queryer, id int64, manifest string, cloudConfigID, runtimeConfigID *int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := q.ExecContext(ctx,
		`UPDATE deployments SET manifest = ?, cloud_config_id = ?, runtime_config_id = ? WHERE id = ?`,
		manifest, nullableInt64(cloudConfigID), nullableInt64(runtimeConfigID), id)
	if err != nil {
		return fmt.Errorf("update deployment manifest: %w", err)
	}
	return nil
}

// BumpLinksSerialID increments and returns the deployment's links serial id.
func BumpLinksSerialID(ctx context.Context, q Queryer, id int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var serial int64
	err := q.QueryRowContext(ctx,
		`UPDATE deployments SET links_serial_id = links_serial_id + 1 WHERE id = ? RETURNING links_serial_id`,
		id).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("bump links serial id: %w", err)
	}
	return serial, nil
}

// DeleteDeployment removes the deployment row and its join rows.
func DeleteDeployment(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM deployments_release_versions WHERE deployment_id = ?`,
		`DELETE FROM deployments_stemcells WHERE deployment_id = ?`,
		`DELETE FROM deployments_networks WHERE deployment_id = ?`,
		`DELETE FROM deployments WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete deployment: %w", err)
		}
	}
	return nil
}

// SetDeploymentReleaseVersions replaces the release versions used by a deployment.
func SetDeploymentReleaseVersions(ctx context.Context, q Queryer, deploymentID int64, releaseVersionIDs []int64) error {
	return replaceJoin(ctx, q, "deployments_release_versions", "release_version_id", deploymentID, releaseVersionIDs)
}

// SetDeploymentStemcells replaces the stemcells used by a deployment.
func SetDeploymentStemcells(ctx context.Context, q Queryer, deploymentID int64, stemcellIDs []int64) error {
	return replaceJoin(ctx, q, "deployments_stemcells", "stemcell_id", deploymentID, stemcellIDs)
}

func replaceJoin(ctx context.Context, q Queryer, table, column string, deploymentID int64, ids []int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE deployment_id = ?`, deploymentID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := q.ExecContext(ctx,
			`INSERT INTO `+table+` (deployment_id, `+column+`) VALUES (?, ?)`, deploymentID, id); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// deploymentNamesUsing returns the names of deployments joined to id via table.column.
func deploymentNamesUsing(ctx context.Context, q Queryer, table, column string, id int64) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT d.name FROM deployments d JOIN `+table+` j ON j.deployment_id = d.id WHERE j.`+column+` = ? ORDER BY d.name`,
		id)
	if err != nil {
		return nil, fmt.Errorf("deployments using %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
