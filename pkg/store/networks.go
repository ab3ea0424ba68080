package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Network is a director-managed network shared by deployments.
type Network struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Orphaned   bool       `json:"orphaned"`
	OrphanedAt *time.Time `json:"orphaned_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IPAddress is a reserved address on a network.
type IPAddress struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	InstanceID   *int64    `json:"instance_id,omitempty"`
	NetworkName  string    `json:"network_name"`
	Address      string    `json:"address"`
	Static       bool      `json:"static"`
	TaskID       string    `json:"task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const networkColumns = `id, name, type, orphaned, orphaned_at, created_at`

func scanNetwork(row interface{ Scan(...any) error }) (*Network, error) {
	var n Network
	var orphaned int
	var orphanedAt sql.NullString
	var createdAt string
	if err := row.Scan(&n.ID, &n.Name, &n.Type, &orphaned, &orphanedAt, &createdAt); err != nil {
		return nil, err
	}
	n.Orphaned = orphaned != 0
	var err error
	if n.OrphanedAt, err = parseOptionalDBTime(orphanedAt); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// FindOrCreateNetwork returns the named managed network, un-orphaning it
// when a deployment starts using it again.
func FindOrCreateNetwork(ctx context.Context, q Queryer, name, typ string) (*Network, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := scanNetwork(q.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE name = ?`, name))
	switch {
	case err == nil:
		if n.Orphaned {
			if _, err := q.ExecContext(ctx, `UPDATE networks SET orphaned = 0, orphaned_at = NULL WHERE id = ?`, n.ID); err != nil {
				return nil, fmt.Errorf("unorphan network: %w", err)
			}
			n.Orphaned = false
			n.OrphanedAt = nil
		}
		return n, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get network: %w", err)
	}

	n = &Network{Name: name, Type: typ, CreatedAt: time.Now().UTC()}
	err = q.QueryRowContext(ctx,
		`INSERT INTO networks (name, type, orphaned, created_at) VALUES (?, ?, 0, ?) RETURNING id`,
		name, typ, dbTime(n.CreatedAt)).Scan(&n.ID)
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	return n, nil
}

// SetDeploymentNetworks replaces the managed networks used by a deployment.
func SetDeploymentNetworks(ctx context.Context, q Queryer, deploymentID int64, networkIDs []int64) error {
	return replaceJoin(ctx, q, "deployments_networks", "network_id", deploymentID, networkIDs)
}

// OrphanUnusedNetworks marks every non-orphaned network that no deployment
// references as orphaned and returns their names.
func OrphanUnusedNetworks(ctx context.Context, q Queryer) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, name FROM networks n
		 WHERE n.orphaned = 0 AND NOT EXISTS (SELECT 1 FROM deployments_networks dn WHERE dn.network_id = n.id)
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list unused networks: %w", err)
	}
	type pending struct {
		id   int64
		name string
	}
	var unused []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan network: %w", err)
		}
		unused = append(unused, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	now := dbTime(time.Now().UTC())
	names := make([]string, 0, len(unused))
	for _, p := range unused {
		if _, err := q.ExecContext(ctx, `UPDATE networks SET orphaned = 1, orphaned_at = ? WHERE id = ?`, now, p.id); err != nil {
			return nil, fmt.Errorf("orphan network %s: %w", p.name, err)
		}
		names = append(names, p.name)
	}
	return names, nil
}

// ListOrphanedNetworks returns networks orphaned before cutoff (all when zero).
func ListOrphanedNetworks(ctx context.Context, q Queryer, before time.Time) ([]Network, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + networkColumns + ` FROM networks WHERE orphaned = 1`
	var args []any
	if !before.IsZero() {
		query += ` AND orphaned_at < ?`
		args = append(args, dbTime(before))
	}
	query += ` ORDER BY orphaned_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphaned networks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("scan network: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// DeleteNetwork removes an orphaned network row.
func DeleteNetwork(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM networks WHERE id = ? AND orphaned = 1`, id); err != nil {
		return fmt.Errorf("delete network: %w", err)
	}
	return nil
}

// ReserveIP records an address reservation.
func ReserveIP(ctx context.Context, q Queryer, ip IPAddress) (*IPAddress, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ip.CreatedAt.IsZero() {
		ip.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO ip_addresses (deployment_id, instance_id, network_name, address, static, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		ip.DeploymentID, nullableInt64(ip.InstanceID), ip.NetworkName, ip.Address, boolInt(ip.Static),
		nullableString(ip.TaskID), dbTime(ip.CreatedAt)).Scan(&ip.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve ip %s on %s: %w", ip.Address, ip.NetworkName, err)
	}
	return &ip, nil
}

const ipColumns = `id, deployment_id, instance_id, network_name, address, static, task_id, created_at`

// ListDeploymentIPs returns the reservations held by a deployment.
func ListDeploymentIPs(ctx context.Context, q Queryer, deploymentID int64) ([]IPAddress, error) {
	return listIPs(ctx, q, `WHERE deployment_id = ?`, deploymentID)
}

// ListNetworkIPs returns every reservation on a network, across deployments.
func ListNetworkIPs(ctx context.Context, q Queryer, network string) ([]IPAddress, error) {
	return listIPs(ctx, q, `WHERE network_name = ?`, network)
}

func listIPs(ctx context.Context, q Queryer, where string, arg any) ([]IPAddress, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+ipColumns+` FROM ip_addresses `+where+` ORDER BY network_name, address`, arg)
	if err != nil {
		return nil, fmt.Errorf("list ips: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IPAddress
	for rows.Next() {
		var ip IPAddress
		var instanceID sql.NullInt64
		var static int
		var taskID sql.NullString
		var createdAt string
		if err := rows.Scan(&ip.ID, &ip.DeploymentID, &instanceID, &ip.NetworkName, &ip.Address, &static, &taskID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ip: %w", err)
		}
		ip.InstanceID = optionalInt64(instanceID)
		ip.Static = static != 0
		ip.TaskID = taskID.String
		if ip.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// DeleteOrphanedIPReservations drops a deployment's reservations that were
// never bound to an instance, returning how many were removed.
func DeleteOrphanedIPReservations(ctx context.Context, q Queryer, deploymentID int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM ip_addresses WHERE deployment_id = ? AND instance_id IS NULL`, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned ip reservations: %w", err)
	}
	return rowsAffected(res)
}

// ReleaseInstanceIPs drops every reservation held by an instance.
func ReleaseInstanceIPs(ctx context.Context, q Queryer, instanceID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM ip_addresses WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("release instance ips: %w", err)
	}
	return nil
}

// ReleaseDeploymentIPs drops every reservation held by a deployment.
func ReleaseDeploymentIPs(ctx context.Context, q Queryer, deploymentID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM ip_addresses WHERE deployment_id = ?`, deploymentID); err != nil {
		return fmt.Errorf("release deployment ips: %w", err)
	}
	return nil
}

// BindIPToInstance attaches a pending reservation to the instance that uses it.
func BindIPToInstance(ctx context.Context, q Queryer, ipID, instanceID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE ip_addresses SET instance_id = ? WHERE id = ?`, instanceID, ipID); err != nil {
		return fmt.Errorf("bind ip: %w", err)
	}
	return nil
}

// DeleteIPReservation drops one reservation.
func DeleteIPReservation(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM ip_addresses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ip reservation: %w", err)
	}
	return nil
}
