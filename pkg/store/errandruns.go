package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrandRun records the outcome of one errand execution on an instance.
type ErrandRun struct {
	ID                int64     `json:"id"`
	InstanceID        int64     `json:"instance_id"`
	Successful        bool      `json:"successful"`
	ConfigurationHash string    `json:"configuration_hash"`
	PackagesSpec      string    `json:"packages_spec"`
	CreatedAt         time.Time `json:"created_at"`
}

// CreateErrandRun appends a run record.
func CreateErrandRun(ctx context.Context, q Queryer, r ErrandRun) (*ErrandRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO errand_runs (instance_id, successful, configuration_hash, packages_spec, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		r.InstanceID, boolInt(r.Successful), nullableString(r.ConfigurationHash), nullableString(r.PackagesSpec),
		dbTime(r.CreatedAt)).Scan(&r.ID)
	if err != nil {
		return nil, fmt.Errorf("create errand run: %w", err)
	}
	return &r, nil
}

// LastErrandRun returns the most recent run on an instance, or nil.
func LastErrandRun(ctx context.Context, q Queryer, instanceID int64) (*ErrandRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var r ErrandRun
	var successful int
	var hash, spec sql.NullString
	var createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, instance_id, successful, configuration_hash, packages_spec, created_at
		 FROM errand_runs WHERE instance_id = ? ORDER BY id DESC LIMIT 1`, instanceID).
		Scan(&r.ID, &r.InstanceID, &successful, &hash, &spec, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last errand run: %w", err)
	}
	r.Successful = successful != 0
	r.ConfigurationHash = hash.String
	r.PackagesSpec = spec.String
	if r.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}
