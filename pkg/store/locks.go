package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LockRecord is a held advisory lock.
type LockRecord struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	TaskID    string    `json:"task_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TryAcquireLock inserts the lock row, or takes it over when the current
// holder's lease expired. It reports whether owner now holds the lock.
func TryAcquireLock(ctx context.Context, q Queryer, name, owner, taskID string, ttl time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO locks (name, owner, task_id, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, task_id = excluded.task_id, expires_at = excluded.expires_at
		 WHERE locks.expires_at < ?`,
		name, owner, nullableString(taskID), dbTime(now.Add(ttl)), dbTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT owner FROM locks WHERE name = ?`, name).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", name, err)
	}
	return current == owner, nil
}

// RenewLock extends the lease if owner still holds it.
func RenewLock(ctx context.Context, q Queryer, name, owner string, ttl time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		dbTime(time.Now().UTC().Add(ttl)), name, owner)
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", name, err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ReleaseLock deletes the lock if owner still holds it.
func ReleaseLock(ctx context.Context, q Queryer, name, owner string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// GetLock returns the current holder of name, or nil when free or expired.
func GetLock(ctx context.Context, q Queryer, name string) (*LockRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var l LockRecord
	var taskID sql.NullString
	var expires string
	err := q.QueryRowContext(ctx, `SELECT name, owner, task_id, expires_at FROM locks WHERE name = ? AND expires_at >= ?`,
		name, dbTime(time.Now().UTC())).Scan(&l.Name, &l.Owner, &taskID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", name, err)
	}
	l.TaskID = taskID.String
	if l.ExpiresAt, err = parseDBTime(expires); err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLocks returns every unexpired lock ordered by name.
func ListLocks(ctx context.Context, q Queryer) ([]LockRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, `SELECT name, owner, task_id, expires_at FROM locks WHERE expires_at >= ? ORDER BY name`,
		dbTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []LockRecord
	for rows.Next() {
		var l LockRecord
		var taskID sql.NullString
		var expires string
		if err := rows.Scan(&l.Name, &l.Owner, &taskID, &expires); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.TaskID = taskID.String
		if l.ExpiresAt, err = parseDBTime(expires); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
