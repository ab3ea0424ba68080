package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Config types.
const (
	ConfigTypeCloud   = "cloud"
	ConfigTypeRuntime = "runtime"
)

// ConfigRecord is one stored version of a cloud or runtime config.
type ConfigRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateConfig stores a new version of the (type, name) config.
func CreateConfig(ctx context.Context, q Queryer, typ, name, content string) (*ConfigRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if name == "" {
		name = "default"
	}
	c := ConfigRecord{Type: typ, Name: name, Content: content, CreatedAt: time.Now().UTC()}
	err := q.QueryRowContext(ctx,
		`INSERT INTO configs (type, name, content, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		typ, name, content, dbTime(c.CreatedAt)).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create config: %w", err)
	}
	return &c, nil
}

// LatestConfig returns the newest version of (type, name), or nil.
func LatestConfig(ctx context.Context, q Queryer, typ, name string) (*ConfigRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if name == "" {
		name = "default"
	}
	c, err := scanConfig(q.QueryRowContext(ctx,
		`SELECT id, type, name, content, created_at FROM configs WHERE type = ? AND name = ? ORDER BY id DESC LIMIT 1`,
		typ, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest config: %w", err)
	}
	return c, nil
}

// GetConfig loads a config version by id.
func GetConfig(ctx context.Context, q Queryer, id int64) (*ConfigRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := scanConfig(q.QueryRowContext(ctx,
		`SELECT id, type, name, content, created_at FROM configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleeterr.NotFound(fleeterr.CodeResourceNotFound, "Config %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	return c, nil
}

func scanConfig(row *sql.Row) (*ConfigRecord, error) {
	var c ConfigRecord
	var createdAt string
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.Content, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}
