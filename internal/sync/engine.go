// Package sync drains the job outbox against the remote service.
package sync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	"github.com/afctech/fieldsync/internal/telemetry"
)

const (
	// DefaultMaxBatch is used when Drain is given a negative batch size.
	DefaultMaxBatch = 10

	// DefaultSubmitTimeout bounds one submission when none is configured.
	DefaultSubmitTimeout = 15 * time.Second
)

// Outbox is the part of the job outbox the engine drains.
type Outbox interface {
	ListUnsynced(ctx context.Context) ([]*models.QueuedJob, error)
	MarkSynced(ctx context.Context, localID string) error
	MarkFailed(ctx context.Context, localID, message string) error
}

// Submitter delivers one queued job to the remote service.
type Submitter interface {
	SubmitJob(ctx context.Context, job *models.QueuedJob) error
}

// Lease excludes other processes draining the same store.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Engine drains unsynced outbox records, one at a time, in creation order.
type Engine struct {
	outbox        Outbox
	submitter     Submitter
	submitTimeout time.Duration
	lease         Lease
	metrics       *telemetry.SyncMetrics
	tracer        trace.Tracer
	now           func() time.Time
}

// NewEngine creates an Engine. A non-positive submitTimeout uses
// DefaultSubmitTimeout.
func NewEngine(outbox Outbox, submitter Submitter, submitTimeout time.Duration) *Engine {
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	return &Engine{
		outbox:        outbox,
		submitter:     submitter,
		submitTimeout: submitTimeout,
		tracer:        telemetry.Tracer(),
		now:           time.Now,
	}
}

// SetLease makes every drain hold l. The lease is renewed before each
// record, so its ttl only has to cover one submission.
func (e *Engine) SetLease(l Lease) {
	e.lease = l
}

// SetMetrics attaches instruments recorded after every drain.
func (e *Engine) SetMetrics(m *telemetry.SyncMetrics) {
	e.metrics = m
}

// Drain submits up to maxBatch unsynced records. A negative maxBatch uses
// DefaultMaxBatch and 0 drains nothing.
//
// A record's failure is written to that record and never aborts the batch.
// The returned error is non-nil only when the outbox cannot be read, ctx
// ends before the batch is done, or another process holds the drain lease
// (SYNC_BUSY); the partial result is returned with it.
func (e *Engine) Drain(ctx context.Context, maxBatch int) (*models.DrainResult, error) {
	if maxBatch < 0 {
		maxBatch = DefaultMaxBatch
	}

	result := &models.DrainResult{StartedAt: e.now()}
	finish := func() *models.DrainResult {
		result.FinishedAt = e.now()
		result.OK = result.Failed == 0
		return result
	}

	if maxBatch == 0 {
		return finish(), nil
	}

	ctx, span := e.tracer.Start(ctx, "outbox.drain", trace.WithAttributes(attribute.Int("max_batch", maxBatch)))
	defer span.End()

	if e.lease != nil {
		if err := e.holdLease(ctx); err != nil {
			span.RecordError(err)
			return finish(), err
		}
		defer func() {
			if err := e.lease.Release(context.WithoutCancel(ctx)); err != nil {
				logging.Warn("Failed to release drain lease", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	jobs, err := e.outbox.ListUnsynced(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outbox unreadable")
		logging.ErrorWithCode("Failed to read outbox", string(errors.ErrSyncFailed), err)
		return finish(), errors.Wrap(errors.ErrSyncFailed, "failed to read outbox", err)
	}
	if len(jobs) == 0 {
		return finish(), nil
	}
	if len(jobs) > maxBatch {
		jobs = jobs[:maxBatch]
	}

	logging.Info("Drain started", map[string]interface{}{
		"batch": len(jobs),
	})

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			finish()
			logging.Warn("Drain interrupted", map[string]interface{}{
				"synced": result.Synced,
				"failed": result.Failed,
			})
			return result, errors.Wrap(errors.ErrSyncFailed, "drain interrupted", err)
		}
		if e.lease != nil && i > 0 {
			if err := e.holdLease(ctx); err != nil {
				span.RecordError(err)
				return finish(), err
			}
		}

		if e.process(ctx, job) {
			result.Synced++
		} else {
			result.Failed++
		}
	}

	finish()
	span.SetAttributes(attribute.Int("synced", result.Synced), attribute.Int("failed", result.Failed))
	e.metrics.RecordDrain(ctx, result.Synced, result.Failed, result.Duration())

	logging.Info("Drain finished", map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"duration_ms": result.Duration().Milliseconds(),
	})
	return result, nil
}

// holdLease acquires or renews the drain lease.
func (e *Engine) holdLease(ctx context.Context) error {
	ok, err := e.lease.TryAcquire(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to acquire drain lease", string(errors.ErrDatabase), err)
		return errors.Wrap(errors.ErrSyncFailed, "failed to acquire drain lease", err)
	}
	if !ok {
		logging.Info("Outbox is being drained by another process", nil)
		return errors.New(errors.ErrSyncBusy, "outbox is being drained by another process")
	}
	return nil
}

// process submits one record and writes the outcome back. It reports
// whether the record ended up synced.
func (e *Engine) process(ctx context.Context, job *models.QueuedJob) bool {
	ctx, span := e.tracer.Start(ctx, "outbox.submit", trace.WithAttributes(
		attribute.String("local_id", job.LocalID),
		attribute.String("type", string(job.Type)),
	))
	defer span.End()

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	err := e.submitter.SubmitJob(submitCtx, job)
	cancel()

	// Bookkeeping must land even if ctx is cancelled right after the submit.
	markCtx := context.WithoutCancel(ctx)

	if err == nil {
		if markErr := e.outbox.MarkSynced(markCtx, job.LocalID); markErr != nil {
			span.RecordError(markErr)
			span.SetStatus(codes.Error, "mark synced failed")
			logging.ErrorWithCode("Submitted job could not be marked synced", string(errors.ErrOutbox), markErr, map[string]interface{}{
				"local_id": job.LocalID,
			})
			return false
		}
		return true
	}

	message := ClassifyFailure(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, message)

	logging.Warn("Job submission failed", map[string]interface{}{
		"local_id": job.LocalID,
		"attempts": job.Attempts + 1,
		"error":    message,
	})

	if markErr := e.outbox.MarkFailed(markCtx, job.LocalID, message); markErr != nil {
		logging.ErrorWithCode("Failed job could not be marked failed", string(errors.ErrOutbox), markErr, map[string]interface{}{
			"local_id": job.LocalID,
		})
	}
	return false
}
