package lock

import (
	"context"
	"time"

	"github.com/3leaps/gofleet/pkg/store"
)

// SQLBackend keeps leases in the director database's locks table.
type SQLBackend struct {
	db *store.DB
}

func NewSQLBackend(db *store.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) TryAcquire(ctx context.Context, c Claim, ttl time.Duration) (bool, error) {
	return store.TryAcquireLock(ctx, b.db, c.Name, c.Owner, c.TaskID, ttl)
}

func (b *SQLBackend) Renew(ctx context.Context, c Claim, ttl time.Duration) (bool, error) {
	return store.RenewLock(ctx, b.db, c.Name, c.Owner, ttl)
}

func (b *SQLBackend) Release(ctx context.Context, c Claim) error {
	_, err := store.ReleaseLock(ctx, b.db, c.Name, c.Owner)
	return err
}

func (b *SQLBackend) Holder(ctx context.Context, name string) (*Held, error) {
	rec, err := store.GetLock(ctx, b.db, name)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Held{Name: rec.Name, TaskID: rec.TaskID, Owner: rec.Owner, ExpiresAt: rec.ExpiresAt}, nil
}

func (b *SQLBackend) List(ctx context.Context) ([]Held, error) {
	recs, err := store.ListLocks(ctx, b.db)
	if err != nil {
		return nil, err
	}
	out := make([]Held, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Held{Name: rec.Name, TaskID: rec.TaskID, Owner: rec.Owner, ExpiresAt: rec.ExpiresAt})
	}
	return out, nil
}
