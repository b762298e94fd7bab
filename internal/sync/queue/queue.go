// Package queue provides the job outbox: durable records of job submissions
// waiting to be accepted by the remote service.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/afctech/fieldsync/internal/db"
	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	"github.com/afctech/fieldsync/internal/uuid"
)

// UnknownError is stored when a failure carries no usable message.
const UnknownError = "Unknown Error"

// Clock returns the current time.
type Clock func() time.Time

// Stats summarizes the outbox.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	// Failing counts unsynced records with at least one failed attempt.
	Failing int `json:"failing"`
}

// Outbox stores QueuedJob records in the job_queue collection.
//
// Mark operations are single-record read-modify-write transactions and are
// no-ops when the record no longer exists.
type Outbox struct {
	store *db.Store
	now   Clock
}

// NewOutbox creates an Outbox over store.
func NewOutbox(store *db.Store) *Outbox {
	return &Outbox{store: store, now: time.Now}
}

// WithClock replaces the outbox clock. Intended for tests.
func (o *Outbox) WithClock(c Clock) *Outbox {
	o.now = c
	return o
}

// Enqueue stores payload as a new unsynced record and returns it.
// An empty jobType is stored as a job completion.
func (o *Outbox) Enqueue(ctx context.Context, jobType models.JobType, payload any) (*models.QueuedJob, error) {
	if jobType == "" {
		jobType = models.JobTypeCompletion
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
	}

	job := &models.QueuedJob{
		LocalID:   uuid.New(),
		CreatedAt: o.now().UTC(),
		Synced:    false,
		Attempts:  0,
		LastError: nil,
		Type:      jobType,
		Payload:   raw,
	}

	if err := db.PutJSON(ctx, o.store, db.CollectionJobQueue, job.LocalID, job); err != nil {
		logging.ErrorWithCode("Failed to enqueue job", string(apperrors.ErrDatabase), err, map[string]interface{}{
			"type": string(jobType),
		})
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store job", err)
	}

	logging.Info("Job enqueued", map[string]interface{}{
		"local_id": job.LocalID,
		"type":     string(job.Type),
	})
	return job, nil
}

// ListAll returns every record in creation order.
func (o *Outbox) ListAll(ctx context.Context) ([]*models.QueuedJob, error) {
	return o.list(ctx, func(*models.QueuedJob) bool { return true })
}

// ListUnsynced returns records with synced=false in creation order.
func (o *Outbox) ListUnsynced(ctx context.Context) ([]*models.QueuedJob, error) {
	return o.list(ctx, func(j *models.QueuedJob) bool { return !j.Synced })
}

// Get returns the record with localID, or ok=false if absent.
func (o *Outbox) Get(ctx context.Context, localID string) (*models.QueuedJob, bool, error) {
	var job models.QueuedJob
	ok, err := db.GetJSON(ctx, o.store, db.CollectionJobQueue, localID, &job)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read job", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &job, true, nil
}

// MarkSynced records that the remote service accepted localID.
func (o *Outbox) MarkSynced(ctx context.Context, localID string) error {
	return o.update(ctx, localID, func(job *models.QueuedJob) bool {
		now := o.now().UTC()
		job.Synced = true
		job.LastError = nil
		job.SyncedAt = &now
		return true
	})
}

// MarkFailed increments the attempt count of localID and stores message,
// truncated to models.MaxLastErrorLength runes. A record that is already
// synced is left untouched.
func (o *Outbox) MarkFailed(ctx context.Context, localID, message string) error {
	msg := TruncateError(message)
	return o.update(ctx, localID, func(job *models.QueuedJob) bool {
		if job.Synced {
			logging.Warn("Ignoring failure for synced job", map[string]interface{}{
				"local_id": localID,
			})
			return false
		}
		job.Attempts++
		job.LastError = &msg
		return true
	})
}

// Delete removes localID. Deleting a missing record is not an error.
func (o *Outbox) Delete(ctx context.Context, localID string) error {
	if err := o.store.Delete(ctx, db.CollectionJobQueue, localID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete job", err)
	}
	logging.Info("Job deleted", map[string]interface{}{"local_id": localID})
	return nil
}

// Stats counts records by state.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	jobs, err := o.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, j := range jobs {
		s.Total++
		switch {
		case j.Synced:
			s.Synced++
		case j.Attempts > 0:
			s.Pending++
			s.Failing++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// PruneSynced deletes synced records that were synced before olderThan and
// returns how many were removed. Unsynced records are never pruned.
func (o *Outbox) PruneSynced(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		records, err := tx.Scan(ctx, db.CollectionJobQueue)
		if err != nil {
			return err
		}
		for _, r := range records {
			var job models.QueuedJob
			if err := json.Unmarshal(r.Value, &job); err != nil {
				continue
			}
			if !job.Synced {
				continue
			}
			at := job.CreatedAt
			if job.SyncedAt != nil {
				at = *job.SyncedAt
			}
			if !at.Before(olderThan) {
				continue
			}
			if err := tx.Delete(ctx, db.CollectionJobQueue, r.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune synced jobs", err)
	}

	if removed > 0 {
		logging.Info("Pruned synced jobs", map[string]interface{}{
			"removed":    removed,
			"older_than": olderThan.UTC().Format(time.RFC3339),
		})
	}
	return removed, nil
}

// TruncateError normalizes a failure message for storage in last_error.
func TruncateError(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return UnknownError
	}
	if utf8.RuneCountInString(message) <= models.MaxLastErrorLength {
		return message
	}
	runes := []rune(message)
	return string(runes[:models.MaxLastErrorLength])
}

// update applies mutate to localID in one transaction. The record is written
// back only when mutate returns true.
func (o *Outbox) update(ctx context.Context, localID string, mutate func(job *models.QueuedJob) bool) error {
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var job models.QueuedJob
		ok, err := db.GetJSON(ctx, tx, db.CollectionJobQueue, localID, &job)
		if err != nil || !ok {
			return err
		}
		if !mutate(&job) {
			return nil
		}
		return db.PutJSON(ctx, tx, db.CollectionJobQueue, localID, &job)
	})
	if err != nil {
		logging.ErrorWithCode("Failed to update job", string(apperrors.ErrDatabase), err, map[string]interface{}{
			"local_id": localID,
		})
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update job", err)
	}
	return nil
}

func (o *Outbox) list(ctx context.Context, keep func(*models.QueuedJob) bool) ([]*models.QueuedJob, error) {
	records, err := o.store.Scan(ctx, db.CollectionJobQueue)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list jobs", err)
	}

	jobs := make([]*models.QueuedJob, 0, len(records))
	for _, r := range records {
		var job models.QueuedJob
		if err := json.Unmarshal(r.Value, &job); err != nil {
			logging.ErrorWithCode("Skipping unreadable job record", string(apperrors.ErrOutbox), err, map[string]interface{}{
				"local_id": r.Key,
			})
			continue
		}
		if keep(&job) {
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is required")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
