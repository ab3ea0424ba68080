package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Stemcell is an uploaded base image.
type Stemcell struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	OperatingSystem string    `json:"operating_system"`
	CID             string    `json:"cid"`
	CreatedAt       time.Time `json:"created_at"`
	Deployed        bool      `json:"currently_deployed"`
}

const stemcellSelect = `SELECT s.id, s.name, s.version, s.operating_system, s.cid, s.created_at,
	EXISTS (SELECT 1 FROM deployments_stemcells ds WHERE ds.stemcell_id = s.id)
	FROM stemcells s`

func scanStemcell(row interface{ Scan(...any) error }) (*Stemcell, error) {
	var s Stemcell
	var createdAt string
	if err := row.Scan(&s.ID, &s.Name, &s.Version, &s.OperatingSystem, &s.CID, &createdAt, &s.Deployed); err != nil {
		return nil, err
	}
	var err error
	if s.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateStemcell records an uploaded stemcell.
func CreateStemcell(ctx context.Context, q Queryer, s Stemcell) (*Stemcell, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO stemcells (name, version, operating_system, cid, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		s.Name, s.Version, s.OperatingSystem, s.CID, dbTime(s.CreatedAt)).Scan(&s.ID)
	if err != nil {
		return nil, fmt.Errorf("create stemcell: %w", err)
	}
	return &s, nil
}

// GetStemcell loads name/version.
func GetStemcell(ctx context.Context, q Queryer, name, version string) (*Stemcell, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := scanStemcell(q.QueryRowContext(ctx, stemcellSelect+` WHERE s.name = ? AND s.version = ?`, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeStemcellNotFound, "Stemcell '%s/%s' doesn't exist", name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get stemcell: %w", err)
	}
	return s, nil
}

// ListStemcells returns all stemcells in upload order.
func ListStemcells(ctx context.Context, q Queryer) ([]Stemcell, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, stemcellSelect+` ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("list stemcells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Stemcell
	for rows.Next() {
		s, err := scanStemcell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stemcell: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// StemcellDeployments returns the deployments using a stemcell.
func StemcellDeployments(ctx context.Context, q Queryer, stemcellID int64) ([]string, error) {
	return deploymentNamesUsing(ctx, q, "deployments_stemcells", "stemcell_id", stemcellID)
}

// DeleteStemcell removes a stemcell row.
func DeleteStemcell(ctx context.Context, q Queryer, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM stemcells WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete stemcell: %w", err)
	}
	return nil
}

// DeploymentStemcells returns the stemcells a deployment uses.
func DeploymentStemcells(ctx context.Context, q Queryer, deploymentID int64) ([]Stemcell, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := q.QueryContext(ctx, stemcellSelect+`
		JOIN deployments_stemcells j ON j.stemcell_id = s.id
		WHERE j.deployment_id = ? ORDER BY s.name, s.id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment stemcells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Stemcell
	for rows.Next() {
		s, err := scanStemcell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stemcell: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
