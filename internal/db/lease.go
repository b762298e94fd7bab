package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/afctech/fieldsync/internal/uuid"
)

const (
	// A holder may re-acquire its own lease to extend it; anyone may take
	// an expired one.
	acquireLeaseQuery = `
	INSERT INTO leases (name, holder, expires_at)
	VALUES (?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		holder = excluded.holder,
		expires_at = excluded.expires_at
	WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`

	releaseLeaseQuery = `DELETE FROM leases WHERE name = ? AND holder = ?`
)

// Lease is a named lock row with an expiry. It coordinates processes that
// open the same data directory, such as the desktop agent and fieldctl.
// A holder that crashes loses the lease once ttl passes.
type Lease struct {
	db     *sql.DB
	name   string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewLease creates a Lease on name held by a fresh holder id.
func NewLease(db *sql.DB, name string, ttl time.Duration) *Lease {
	return &Lease{
		db:     db,
		name:   name,
		holder: uuid.New(),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the lease clock. Intended for tests.
func (l *Lease) WithClock(now func() time.Time) *Lease {
	l.now = now
	return l
}

// Holder returns the id this lease acquires under.
func (l *Lease) Holder() string {
	return l.holder
}

// TryAcquire takes the lease, or extends it if this holder already has it.
// It returns false when another holder has an unexpired lease.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, acquireLeaseQuery,
		l.name, l.holder, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	return n > 0, nil
}

// Release gives the lease up. Releasing a lease held by someone else, or
// not held at all, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, releaseLeaseQuery, l.name, l.holder); err != nil {
		return fmt.Errorf("release lease %s: %w", l.name, err)
	}
	return nil
}
