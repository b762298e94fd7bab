package sync

import (
	"database/sql"
	"time"

	"github.com/afctech/fieldsync/internal/db"
)

// DrainLeaseName is the lease shared by every drainer of one store.
const DrainLeaseName = "outbox_drain"

// NewDrainLease returns the cross-process drain lease for conn. The ttl
// covers one submission plus its bookkeeping, since Drain renews per record.
func NewDrainLease(conn *sql.DB, submitTimeout time.Duration) *db.Lease {
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	return db.NewLease(conn, DrainLeaseName, submitTimeout+time.Minute)
}

var _ Lease = (*db.Lease)(nil)
