package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const driverPgx = "pgx"

// openPostgres connects to a shared Postgres database. Used when several
// director processes (API, workers) coordinate through one store.
func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	db, err := sql.Open(driverPgx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open director store: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping director store: %w", err)
	}

	return newDB(db, DialectPostgres, cfg.Retry), nil
}
