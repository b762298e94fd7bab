package sync

import (
	"context"

	"github.com/afctech/fieldsync/internal/models"
)

// Drainer runs one outbox drain. The scheduler depends on this interface so
// tests can substitute a controllable implementation.
type Drainer interface {
	// Drain submits up to maxBatch unsynced records and reports the counts.
	Drain(ctx context.Context, maxBatch int) (*models.DrainResult, error)
}

var _ Drainer = (*Engine)(nil)
