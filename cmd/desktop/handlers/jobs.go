package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	"github.com/afctech/fieldsync/internal/sync/queue"
)

// WSJobBroadcaster interface for outbox WebSocket events.
type WSJobBroadcaster interface {
	BroadcastJobQueued(job *models.QueuedJob)
}

// JobHandler serves the outbox.
type JobHandler struct {
	outbox  *queue.Outbox
	trigger SyncTrigger
	wsHub   WSJobBroadcaster
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(outbox *queue.Outbox, trigger SyncTrigger) *JobHandler {
	return &JobHandler{outbox: outbox, trigger: trigger}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting outbox events.
func (h *JobHandler) SetWebSocketHub(wsHub WSJobBroadcaster) {
	h.wsHub = wsHub
}

// createJobRequest is the body of POST /api/jobs.
type createJobRequest struct {
	Type    models.JobType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ListJobs handles GET /api/jobs
// With ?unsynced=1 only pending records are returned.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*models.QueuedJob
		err  error
	)
	switch r.URL.Query().Get("unsynced") {
	case "1", "true":
		jobs, err = h.outbox.ListUnsynced(r.Context())
	default:
		jobs, err = h.outbox.ListAll(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.QueuedJob{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

// CreateJob handles POST /api/jobs
// The record is always queued first; a sync is then requested if possible.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "invalid request body")
		return
	}
	if len(request.Payload) == 0 {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "payload is required")
		return
	}

	switch request.Type {
	case "", models.JobTypeCompletion:
		var completion models.JobCompletion
		if err := json.Unmarshal(request.Payload, &completion); err != nil {
			writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "invalid job completion payload")
			return
		}
		if err := completion.Validate(); err != nil {
			writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
			return
		}
	case models.JobTypeSignature:
		var signature models.SignatureAttachment
		if err := json.Unmarshal(request.Payload, &signature); err != nil {
			writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "invalid signature payload")
			return
		}
		if err := signature.Validate(); err != nil {
			writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
			return
		}
	default:
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "unknown job type: "+string(request.Type))
		return
	}

	job, err := h.outbox.Enqueue(r.Context(), request.Type, request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.wsHub != nil {
		h.wsHub.BroadcastJobQueued(job)
	}

	started := h.trigger.RequestSync(r.Context())
	logging.Debug("Job queued from shell", map[string]interface{}{
		"local_id":     job.LocalID,
		"sync_started": started,
	})

	writeJSON(w, http.StatusAccepted, job)
}

// DeleteJob handles DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "id is required")
		return
	}

	_, ok, err := h.outbox.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, apperrors.ErrNotFound, "job not found")
		return
	}

	if err := h.outbox.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
