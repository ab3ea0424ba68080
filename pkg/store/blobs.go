package store

import (
	"context"
	"fmt"
	"time"
)

// Ephemeral blob types.
const (
	BlobTypeExportedRelease = "exported-release"
)

// Blob is an ephemeral blobstore object tracked for cleanup.
type Blob struct {
	ID          int64     `json:"id"`
	BlobstoreID string    `json:"blobstore_id"`
	SHA1        string    `json:"sha1"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateBlob records an ephemeral blob.
func CreateBlob(ctx context.Context, q Queryer, b Blob) (*Blob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO blobs (blobstore_id, sha1, type, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		b.BlobstoreID, b.SHA1, b.Type, dbTime(b.CreatedAt)).Scan(&b.ID)
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	return &b, nil
}

// ListBlobs returns blobs of a type oldest first.
func ListBlobs(ctx context.Context, q Queryer, typ string) ([]Blob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, blobstore_id, sha1, type, created_at FROM blobs WHERE type = ? ORDER BY id`, typ)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Blob
	for rows.Next() {
		var b Blob
		var createdAt string
		if err := rows.Scan(&b.ID, &b.BlobstoreID, &b.SHA1, &b.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		if b.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBlob removes a blob row.
func DeleteBlob(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
