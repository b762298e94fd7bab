package main

import (
	"context"
	"time"

	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	"github.com/afctech/fieldsync/internal/sync/queue"
)

// retentionPruner deletes synced outbox records older than retention after
// every clean drain.
type retentionPruner struct {
	outbox    *queue.Outbox
	retention time.Duration
	now       func() time.Time
}

func newRetentionPruner(outbox *queue.Outbox, retention time.Duration) *retentionPruner {
	return &retentionPruner{outbox: outbox, retention: retention, now: time.Now}
}

func (p *retentionPruner) SyncStarted() {}

func (p *retentionPruner) ConnectivityChanged(bool) {}

func (p *retentionPruner) SyncFinished(result *models.DrainResult, err error) {
	if err != nil || result == nil || result.Synced == 0 {
		return
	}

	if _, err := p.outbox.PruneSynced(context.Background(), p.now().Add(-p.retention)); err != nil {
		logging.Warn("Failed to prune synced jobs", map[string]interface{}{
			"retention": p.retention.String(),
			"error":     err.Error(),
		})
	}
}
