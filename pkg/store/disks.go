package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// PersistentDisk is a managed disk. InstanceID is nil once the disk is orphaned.
type PersistentDisk struct {
	ID              int64  `json:"id"`
	InstanceID      *int64 `json:"instance_id,omitempty"`
	DiskCID         string `json:"disk_cid"`
	Name            string `json:"name"`
	Size            int    `json:"size"`
	CloudProperties string `json:"cloud_properties,omitempty"`
	Active          bool   `json:"active"`
}

// Managed reports whether the disk is the instance's manifest-managed disk.
// Named (static) disks carry a non-empty name.
func (d PersistentDisk) Managed() bool {
	return d.Name == ""
}

// Snapshot is a snapshot of an attached persistent disk.
type Snapshot struct {
	ID               int64     `json:"id"`
	PersistentDiskID int64     `json:"persistent_disk_id"`
	SnapshotCID      string    `json:"snapshot_cid"`
	Clean            bool      `json:"clean"`
	CreatedAt        time.Time `json:"created_at"`
}

// OrphanDisk preserves a detached disk for delayed deletion.
type OrphanDisk struct {
	ID               int64     `json:"id"`
	DiskCID          string    `json:"disk_cid"`
	Size             int       `json:"size"`
	AvailabilityZone string    `json:"az,omitempty"`
	DeploymentName   string    `json:"deployment_name"`
	InstanceName     string    `json:"instance_name"`
	CloudProperties  string    `json:"cloud_properties,omitempty"`
	CreatedAt        time.Time `json:"orphaned_at"`
}

// OrphanSnapshot is a snapshot carried over from an orphaned disk.
type OrphanSnapshot struct {
	ID                int64      `json:"id"`
	OrphanDiskID      int64      `json:"orphan_disk_id"`
	SnapshotCID       string     `json:"snapshot_cid"`
	Clean             bool       `json:"clean"`
	SnapshotCreatedAt *time.Time `json:"snapshot_created_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

const diskColumns = `id, instance_id, disk_cid, name, size, cloud_properties, active`

func scanDisk(row interface{ Scan(...any) error }) (*PersistentDisk, error) {
	var d PersistentDisk
	var instanceID sql.NullInt64
	var cloudProps sql.NullString
	var active int
	if err := row.Scan(&d.ID, &instanceID, &d.DiskCID, &d.Name, &d.Size, &cloudProps, &active); err != nil {
		return nil, err
	}
	d.InstanceID = optionalInt64(instanceID)
	d.CloudProperties = cloudProps.String
	d.Active = active != 0
	return &d, nil
}

// CreatePersistentDisk inserts a disk record.
func CreatePersistentDisk(ctx context.Context, q Queryer, d PersistentDisk) (*PersistentDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO persistent_disks (instance_id, disk_cid, name, size, cloud_properties, active)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		nullableInt64(d.InstanceID), d.DiskCID, d.Name, d.Size, nullableString(d.CloudProperties), boolInt(d.Active)).Scan(&d.ID)
	if err != nil {
		return nil, fmt.Errorf("create persistent disk: %w", err)
	}
	return &d, nil
}

// GetPersistentDiskByCID loads a disk by its cloud id.
func GetPersistentDiskByCID(ctx context.Context, q Queryer, cid string) (*PersistentDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := scanDisk(q.QueryRowContext(ctx, `SELECT `+diskColumns+` FROM persistent_disks WHERE disk_cid = ?`, cid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeResourceNotFound, "Disk '%s' not found", cid)
	}
	if err != nil {
		return nil, fmt.Errorf("get persistent disk: %w", err)
	}
	return d, nil
}

// ListInstanceDisks returns every disk attached to an instance.
func ListInstanceDisks(ctx context.Context, q Queryer, instanceID int64) ([]PersistentDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+diskColumns+` FROM persistent_disks WHERE instance_id = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list instance disks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PersistentDisk
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan disk: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ActiveManagedDisk returns the instance's active managed disk, or nil.
func ActiveManagedDisk(ctx context.Context, q Queryer, instanceID int64) (*PersistentDisk, error) {
	disks, err := ListInstanceDisks(ctx, q, instanceID)
	if err != nil {
		return nil, err
	}
	for i := range disks {
		if disks[i].Active && disks[i].Managed() {
			return &disks[i], nil
		}
	}
	return nil, nil
}

// SetDiskActive toggles a disk's active flag.
func SetDiskActive(ctx context.Context, q Queryer, id int64, active bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `UPDATE persistent_disks SET active = ? WHERE id = ?`, boolInt(active), id); err != nil {
		return fmt.Errorf("set disk active: %w", err)
	}
	return nil
}

// DeletePersistentDisk removes a disk record and its snapshots.
func DeletePersistentDisk(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM snapshots WHERE persistent_disk_id = ?`,
		`DELETE FROM persistent_disks WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete persistent disk: %w", err)
		}
	}
	return nil
}

// CreateSnapshot records a snapshot of an attached disk.
func CreateSnapshot(ctx context.Context, q Queryer, diskID int64, snapshotCID string, clean bool) (*Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := Snapshot{PersistentDiskID: diskID, SnapshotCID: snapshotCID, Clean: clean, CreatedAt: time.Now().UTC()}
	err := q.QueryRowContext(ctx,
		`INSERT INTO snapshots (persistent_disk_id, snapshot_cid, clean, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		diskID, snapshotCID, boolInt(clean), dbTime(s.CreatedAt)).Scan(&s.ID)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return &s, nil
}

// ListSnapshots returns the snapshots of a disk oldest first.
func ListSnapshots(ctx context.Context, q Queryer, diskID int64) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, persistent_disk_id, snapshot_cid, clean, created_at FROM snapshots WHERE persistent_disk_id = ? ORDER BY id`,
		diskID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var clean int
		var createdAt string
		if err := rows.Scan(&s.ID, &s.PersistentDiskID, &s.SnapshotCID, &clean, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Clean = clean != 0
		if s.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OrphanPersistentDisk moves a disk and its snapshots into the orphan tables.
// Callers run it inside a transaction.
func OrphanPersistentDisk(ctx context.Context, q Queryer, disk PersistentDisk, az, deploymentName, instanceName string) (*OrphanDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snapshots, err := ListSnapshots(ctx, q, disk.ID)
	if err != nil {
		return nil, err
	}

	o := OrphanDisk{
		DiskCID:          disk.DiskCID,
		Size:             disk.Size,
		AvailabilityZone: az,
		DeploymentName:   deploymentName,
		InstanceName:     instanceName,
		CloudProperties:  disk.CloudProperties,
		CreatedAt:        time.Now().UTC(),
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO orphan_disks (disk_cid, size, availability_zone, deployment_name, instance_name, cloud_properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		o.DiskCID, o.Size, nullableString(o.AvailabilityZone), o.DeploymentName, o.InstanceName,
		nullableString(o.CloudProperties), dbTime(o.CreatedAt)).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("create orphan disk: %w", err)
	}

	for _, s := range snapshots {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO orphan_snapshots (orphan_disk_id, snapshot_cid, clean, snapshot_created_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			o.ID, s.SnapshotCID, boolInt(s.Clean), dbTime(s.CreatedAt), dbTime(o.CreatedAt)); err != nil {
			return nil, fmt.Errorf("create orphan snapshot: %w", err)
		}
	}

	if err := DeletePersistentDisk(ctx, q, disk.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

// UnorphanDisk moves an orphan disk back onto an instance as an inactive disk.
// Callers run it inside a transaction.
func UnorphanDisk(ctx context.Context, q Queryer, orphan OrphanDisk, instanceID int64) (*PersistentDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snapshots, err := ListOrphanSnapshots(ctx, q, orphan.ID)
	if err != nil {
		return nil, err
	}

	disk, err := CreatePersistentDisk(ctx, q, PersistentDisk{
		InstanceID:      &instanceID,
		DiskCID:         orphan.DiskCID,
		Size:            orphan.Size,
		CloudProperties: orphan.CloudProperties,
	})
	if err != nil {
		return nil, err
	}

	for _, s := range snapshots {
		takenAt := s.CreatedAt
		if s.SnapshotCreatedAt != nil {
			takenAt = *s.SnapshotCreatedAt
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO snapshots (persistent_disk_id, snapshot_cid, clean, created_at) VALUES (?, ?, ?, ?)`,
			disk.ID, s.SnapshotCID, boolInt(s.Clean), dbTime(takenAt)); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if err := DeleteOrphanDisk(ctx, q, orphan.ID); err != nil {
		return nil, err
	}
	return disk, nil
}

const orphanDiskColumns = `id, disk_cid, size, availability_zone, deployment_name, instance_name, cloud_properties, created_at`

func scanOrphanDisk(row interface{ Scan(...any) error }) (*OrphanDisk, error) {
	var o OrphanDisk
	var az, cloudProps sql.NullString
	var createdAt string
	if err := row.Scan(&o.ID, &o.DiskCID, &o.Size, &az, &o.DeploymentName, &o.InstanceName, &cloudProps, &createdAt); err != nil {
		return nil, err
	}
	o.AvailabilityZone = az.String
	o.CloudProperties = cloudProps.String
	var err error
	if o.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrphanDisk loads an orphan disk by cid.
func GetOrphanDisk(ctx context.Context, q Queryer, cid string) (*OrphanDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := scanOrphanDisk(q.QueryRowContext(ctx, `SELECT `+orphanDiskColumns+` FROM orphan_disks WHERE disk_cid = ?`, cid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeResourceNotFound, "Disk %s does not exist", cid)
	}
	if err != nil {
		return nil, fmt.Errorf("get orphan disk: %w", err)
	}
	return o, nil
}

// ListOrphanDisks returns orphan disks created before cutoff (all when zero), oldest first.
func ListOrphanDisks(ctx context.Context, q Queryer, before time.Time) ([]OrphanDisk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + orphanDiskColumns + ` FROM orphan_disks`
	var args []any
	if !before.IsZero() {
		query += ` WHERE created_at < ?`
		args = append(args, dbTime(before))
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphan disks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OrphanDisk
	for rows.Next() {
		o, err := scanOrphanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan disk: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListOrphanSnapshots returns the snapshots kept for an orphan disk.
func ListOrphanSnapshots(ctx context.Context, q Queryer, orphanDiskID int64) ([]OrphanSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, orphan_disk_id, snapshot_cid, clean, snapshot_created_at, created_at
		 FROM orphan_snapshots WHERE orphan_disk_id = ? ORDER BY id`, orphanDiskID)
	if err != nil {
		return nil, fmt.Errorf("list orphan snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OrphanSnapshot
	for rows.Next() {
		var s OrphanSnapshot
		var clean int
		var snapAt sql.NullString
		var createdAt string
		if err := rows.Scan(&s.ID, &s.OrphanDiskID, &s.SnapshotCID, &clean, &snapAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan orphan snapshot: %w", err)
		}
		s.Clean = clean != 0
		if s.SnapshotCreatedAt, err = parseOptionalDBTime(snapAt); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteOrphanSnapshot removes one orphan snapshot row.
func DeleteOrphanSnapshot(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM orphan_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete orphan snapshot: %w", err)
	}
	return nil
}

// DeleteOrphanDisk removes an orphan disk row and its snapshots.
func DeleteOrphanDisk(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range []string{
		`DELETE FROM orphan_snapshots WHERE orphan_disk_id = ?`,
		`DELETE FROM orphan_disks WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete orphan disk: %w", err)
		}
	}
	return nil
}
