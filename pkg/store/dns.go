package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const tombstoneSuffix = "-tombstone"

// DNSRecord is a local DNS entry for an instance. A record with a nil
// InstanceID is a tombstone marking a deleted instance; its id still bumps
// the records version so agents pick up the removal.
type DNSRecord struct {
	ID            int64  `json:"id"`
	InstanceID    *int64 `json:"instance_id,omitempty"`
	IP            string `json:"ip"`
	AZ            string `json:"az,omitempty"`
	InstanceGroup string `json:"instance_group,omitempty"`
	Network       string `json:"network,omitempty"`
	Deployment    string `json:"deployment,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	Domain        string `json:"domain,omitempty"`
}

// DNSBlob is a published snapshot of the local DNS records.
type DNSBlob struct {
	ID          int64     `json:"id"`
	BlobstoreID string    `json:"blobstore_id"`
	SHA1        string    `json:"sha1"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReplaceInstanceDNSRecords rewrites the records of one instance.
func ReplaceInstanceDNSRecords(ctx context.Context, q Queryer, instanceID int64, records []DNSRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM local_dns_records WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("clear dns records: %w", err)
	}
	for _, r := range records {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO local_dns_records (instance_id, ip, az, instance_group, network, deployment, agent_id, domain)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID, r.IP, nullableString(r.AZ), nullableString(r.InstanceGroup), nullableString(r.Network),
			nullableString(r.Deployment), nullableString(r.AgentID), nullableString(r.Domain)); err != nil {
			return fmt.Errorf("insert dns record: %w", err)
		}
	}
	return nil
}

// TombstoneInstanceDNSRecords removes an instance's records and inserts a
// tombstone so the records version moves forward.
func TombstoneInstanceDNSRecords(ctx context.Context, q Queryer, instanceID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM local_dns_records WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete dns records: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO local_dns_records (instance_id, ip) VALUES (NULL, ?)`,
		uuid.NewString()+tombstoneSuffix); err != nil {
		return fmt.Errorf("insert dns tombstone: %w", err)
	}
	return nil
}

// ListDNSRecords returns all live records ordered by id.
func ListDNSRecords(ctx context.Context, q Queryer) ([]DNSRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, instance_id, ip, az, instance_group, network, deployment, agent_id, domain
		 FROM local_dns_records WHERE instance_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dns records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DNSRecord
	for rows.Next() {
		var r DNSRecord
		var instanceID sql.NullInt64
		var az, group, network, deployment, agentID, domain sql.NullString
		if err := rows.Scan(&r.ID, &instanceID, &r.IP, &az, &group, &network, &deployment, &agentID, &domain); err != nil {
			return nil, fmt.Errorf("scan dns record: %w", err)
		}
		r.InstanceID = optionalInt64(instanceID)
		r.AZ = az.String
		r.InstanceGroup = group.String
		r.Network = network.String
		r.Deployment = deployment.String
		r.AgentID = agentID.String
		r.Domain = domain.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// DNSRecordsVersion returns the highest record id, tombstones included.
func DNSRecordsVersion(ctx context.Context, q Queryer) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM local_dns_records`).Scan(&v); err != nil {
		return 0, fmt.Errorf("dns records version: %w", err)
	}
	return v.Int64, nil
}

// DeleteDNSTombstonesBelow removes tombstones with id below version.
func DeleteDNSTombstonesBelow(ctx context.Context, q Queryer, version int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM local_dns_records WHERE instance_id IS NULL AND id < ?`, version)
	if err != nil {
		return 0, fmt.Errorf("delete dns tombstones: %w", err)
	}
	return rowsAffected(res)
}

// CreateDNSBlob records a published DNS blob.
func CreateDNSBlob(ctx context.Context, q Queryer, b DNSBlob) (*DNSBlob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO local_dns_blobs (blobstore_id, sha1, version, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		b.BlobstoreID, b.SHA1, b.Version, dbTime(b.CreatedAt)).Scan(&b.ID)
	if err != nil {
		return nil, fmt.Errorf("create dns blob: %w", err)
	}
	return &b, nil
}

// ListDNSBlobs returns DNS blobs newest first.
func ListDNSBlobs(ctx context.Context, q Queryer) ([]DNSBlob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, blobstore_id, sha1, version, created_at FROM local_dns_blobs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dns blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DNSBlob
	for rows.Next() {
		var b DNSBlob
		var createdAt string
		if err := rows.Scan(&b.ID, &b.BlobstoreID, &b.SHA1, &b.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dns blob: %w", err)
		}
		if b.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteDNSBlob removes a DNS blob row.
func DeleteDNSBlob(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM local_dns_blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete dns blob: %w", err)
	}
	return nil
}
