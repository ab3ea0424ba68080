package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OrphanedVM is a VM detached from its instance and awaiting deletion.
type OrphanedVM struct {
	ID               int64     `json:"id"`
	CID              string    `json:"cid"`
	AvailabilityZone string    `json:"az,omitempty"`
	CloudProperties  string    `json:"cloud_properties,omitempty"`
	DeploymentName   string    `json:"deployment_name,omitempty"`
	InstanceName     string    `json:"instance_name,omitempty"`
	OrphanedAt       time.Time `json:"orphaned_at"`
}

// CreateOrphanedVM records a VM for delayed deletion.
func CreateOrphanedVM(ctx context.Context, q Queryer, vm OrphanedVM) (*OrphanedVM, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if vm.OrphanedAt.IsZero() {
		vm.OrphanedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO orphaned_vms (cid, availability_zone, cloud_properties, deployment_name, instance_name, orphaned_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		vm.CID, nullableString(vm.AvailabilityZone), nullableString(vm.CloudProperties),
		nullableString(vm.DeploymentName), nullableString(vm.InstanceName), dbTime(vm.OrphanedAt)).Scan(&vm.ID)
	if err != nil {
		return nil, fmt.Errorf("create orphaned vm: %w", err)
	}
	return &vm, nil
}

// GetOrphanedVM returns the orphaned VM with cid, or nil when already removed.
func GetOrphanedVM(ctx context.Context, q Queryer, cid string) (*OrphanedVM, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	vm, err := scanOrphanedVM(q.QueryRowContext(ctx,
		`SELECT id, cid, availability_zone, cloud_properties, deployment_name, instance_name, orphaned_at
		 FROM orphaned_vms WHERE cid = ?`, cid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orphaned vm: %w", err)
	}
	return vm, nil
}

// ListOrphanedVMs returns orphaned VMs orphaned before cutoff (all when zero), oldest first.
func ListOrphanedVMs(ctx context.Context, q Queryer, before time.Time) ([]OrphanedVM, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT id, cid, availability_zone, cloud_properties, deployment_name, instance_name, orphaned_at FROM orphaned_vms`
	var args []any
	if !before.IsZero() {
		query += ` WHERE orphaned_at < ?`
		args = append(args, dbTime(before))
	}
	query += ` ORDER BY orphaned_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphaned vms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OrphanedVM
	for rows.Next() {
		vm, err := scanOrphanedVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphaned vm: %w", err)
		}
		out = append(out, *vm)
	}
	return out, rows.Err()
}

// DeleteOrphanedVM removes the record for cid.
func DeleteOrphanedVM(ctx context.Context, q Queryer, cid string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM orphaned_vms WHERE cid = ?`, cid); err != nil {
		return fmt.Errorf("delete orphaned vm: %w", err)
	}
	return nil
}

func scanOrphanedVM(row interface{ Scan(...any) error }) (*OrphanedVM, error) {
	var vm OrphanedVM
	var az, cloudProps, deployment, instance sql.NullString
	var orphanedAt string
	if err := row.Scan(&vm.ID, &vm.CID, &az, &cloudProps, &deployment, &instance, &orphanedAt); err != nil {
		return nil, err
	}
	vm.AvailabilityZone = az.String
	vm.CloudProperties = cloudProps.String
	vm.DeploymentName = deployment.String
	vm.InstanceName = instance.String
	var err error
	if vm.OrphanedAt, err = parseDBTime(orphanedAt); err != nil {
		return nil, err
	}
	return &vm, nil
}
