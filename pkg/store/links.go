package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Link is a resolved provider/consumer pairing inside a deployment,
// stamped with the links serial id of the deploy that created it.
type Link struct {
	ID                    int64  `json:"id"`
	DeploymentID          int64  `json:"deployment_id"`
	SerialID              int64  `json:"serial_id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	ProviderInstanceGroup string `json:"provider_instance_group"`
	ProviderJob           string `json:"provider_job"`
	ConsumerInstanceGroup string `json:"consumer_instance_group"`
	ConsumerJob           string `json:"consumer_job"`
	Content               string `json:"content,omitempty"`
}

// CreateLink records a resolved link.
func CreateLink(ctx context.Context, q Queryer, l Link) (*Link, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO links (deployment_id, serial_id, name, link_type, provider_instance_group, provider_job,
			consumer_instance_group, consumer_job, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		l.DeploymentID, l.SerialID, l.Name, l.Type, l.ProviderInstanceGroup, l.ProviderJob,
		l.ConsumerInstanceGroup, l.ConsumerJob, nullableString(l.Content)).Scan(&l.ID)
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return &l, nil
}

// ListLinks returns a deployment's links ordered by id.
func ListLinks(ctx context.Context, q Queryer, deploymentID int64) ([]Link, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, deployment_id, serial_id, name, link_type, provider_instance_group, provider_job,
			consumer_instance_group, consumer_job, content
		 FROM links WHERE deployment_id = ? ORDER BY id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Link
	for rows.Next() {
		var l Link
		var content sql.NullString
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.SerialID, &l.Name, &l.Type, &l.ProviderInstanceGroup,
			&l.ProviderJob, &l.ConsumerInstanceGroup, &l.ConsumerJob, &content); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Content = content.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// CleanupStaleLinks deletes links of a deployment stamped with a serial id
// other than current.
func CleanupStaleLinks(ctx context.Context, q Queryer, deploymentID, currentSerialID int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM links WHERE deployment_id = ? AND serial_id <> ?`, deploymentID, currentSerialID)
	if err != nil {
		return 0, fmt.Errorf("cleanup links: %w", err)
	}
	return rowsAffected(res)
}

// DeleteDeploymentLinks removes every link of a deployment.
func DeleteDeploymentLinks(ctx context.Context, q Queryer, deploymentID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM links WHERE deployment_id = ?`, deploymentID); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}
	return nil
}
