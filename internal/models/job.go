// Package models provides the records persisted by the local store and the
// payloads exchanged with the remote service.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType tags an outbox payload so the remote client can route it.
type JobType string

const (
	// JobTypeCompletion is a filter changeout submission (POST /jobs).
	JobTypeCompletion JobType = "job_completion"
	// JobTypeSignature attaches a customer signature to an existing job.
	JobTypeSignature JobType = "signature"
)

// MaxLastErrorLength caps QueuedJob.LastError, in runes.
const MaxLastErrorLength = 500

// QueuedJob is an outbox record awaiting confirmation by the remote service.
type QueuedJob struct {
	LocalID   string          `json:"local_id"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`

	// Set when Synced flips to true; used by retention pruning.
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// DecodePayload unmarshals the stored payload into v.
func (j *QueuedJob) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has an empty payload", j.LocalID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.LocalID, err)
	}
	return nil
}

// LastErrorString returns LastError or "".
func (j *QueuedJob) LastErrorString() string {
	if j.LastError == nil {
		return ""
	}
	return *j.LastError
}

// FilterResult is one filter line's outcome inside a JobCompletion.
type FilterResult struct {
	FilterID    int64  `json:"filter_id"`
	IsCompleted bool   `json:"is_completed"`
	Note        string `json:"note"`
}

// JobCompletion is the body of POST /jobs.
type JobCompletion struct {
	AHUID        ID             `json:"ahu_id"`
	TechID       int64          `json:"tech_id"`
	OverallNotes string         `json:"overall_notes"`
	GPSLat       *float64       `json:"gps_lat"`
	GPSLong      *float64       `json:"gps_long"`
	Filters      []FilterResult `json:"filters"`
}

// Validate checks the fields the remote service rejects outright.
func (c *JobCompletion) Validate() error {
	if c.AHUID == "" {
		return fmt.Errorf("ahu_id is required")
	}
	for _, f := range c.Filters {
		if f.IsCompleted {
			return nil
		}
	}
	return fmt.Errorf("at least one filter must be completed")
}

// SignatureAttachment is a queued customer signature for job JobID.
type SignatureAttachment struct {
	JobID         int64  `json:"job_id"`
	SignatureData string `json:"signature_data"`
	SignerName    string `json:"signer_name"`
	SignerRole    string `json:"signer_role"`
}

// SignatureBody is the body of POST /jobs/{job_id}/signature.
type SignatureBody struct {
	SignatureData string `json:"signature_data"`
	SignerName    string `json:"signer_name"`
	SignerRole    string `json:"signer_role"`
}

// Validate checks that the signature names the job it belongs to.
func (s *SignatureAttachment) Validate() error {
	if s.JobID <= 0 {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// Body returns the request body for the signature endpoint.
func (s *SignatureAttachment) Body() SignatureBody {
	return SignatureBody{
		SignatureData: s.SignatureData,
		SignerName:    s.SignerName,
		SignerRole:    s.SignerRole,
	}
}

// DrainResult is the outcome of one synchronizer pass.
type DrainResult struct {
	OK         bool      `json:"ok"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the drain ran.
func (r *DrainResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
