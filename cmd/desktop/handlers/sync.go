package handlers

import (
	"context"
	"net/http"

	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/sync/queue"
	"github.com/afctech/fieldsync/internal/sync/scheduler"
)

// SyncTrigger is the part of the scheduler the handlers drive.
type SyncTrigger interface {
	RequestSync(ctx context.Context) bool
	Status() scheduler.Status
}

// SyncHandler serves sync state and manual triggers.
type SyncHandler struct {
	trigger SyncTrigger
	outbox  *queue.Outbox
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(trigger SyncTrigger, outbox *queue.Outbox) *SyncHandler {
	return &SyncHandler{trigger: trigger, outbox: outbox}
}

// GetStatus handles GET /api/sync/status
// Returns the scheduler state and outbox counts.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler": h.trigger.Status(),
		"outbox":    stats,
	})
}

// TriggerSync handles POST /api/sync
// Starts a drain in the background. Replies 409 when one is already running
// or the agent is offline.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.trigger.RequestSync(r.Context()) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "started",
		})
		return
	}

	status := h.trigger.Status()
	if !status.Online {
		writeMessage(w, http.StatusConflict, apperrors.ErrOffline, "offline, sync will start when connectivity returns")
		return
	}
	writeMessage(w, http.StatusConflict, apperrors.ErrSyncFailed, "sync already in progress")
}
