// Package api is the client for the remote field-service API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/models"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// Client handles calls to the remote service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	limiter *rate.Limiter
}

// NewClient creates a client for baseURL (without the /api suffix).
// ratePerSec paces outgoing requests; 0 disables pacing.
func NewClient(baseURL, token string, timeout time.Duration, ratePerSec float64) *Client {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// BodyFields returns the "error" and "message" string fields of a JSON error
// body. Missing or non-string fields are returned empty.
func (e *APIError) BodyFields() (errField, messageField string) {
	var body struct {
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return "", ""
	}
	errField, _ = body.Error.(string)
	messageField, _ = body.Message.(string)
	return strings.TrimSpace(errField), strings.TrimSpace(messageField)
}

// SubmitJob delivers a queued job to the endpoint for its type.
func (c *Client) SubmitJob(ctx context.Context, job *models.QueuedJob) error {
	switch job.Type {
	case models.JobTypeCompletion, "":
		return c.do(ctx, http.MethodPost, "/jobs", json.RawMessage(job.Payload), nil)

	case models.JobTypeSignature:
		var sig models.SignatureAttachment
		if err := job.DecodePayload(&sig); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid signature payload", err)
		}
		if err := sig.Validate(); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid signature payload", err)
		}
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/signature", sig.JobID), sig.Body(), nil)

	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown job type %q", job.Type))
	}
}

// FetchBundle sends GET /hospitals/{id}/offline-bundle.
func (c *Client) FetchBundle(ctx context.Context, hospitalID string) (*models.Bundle, error) {
	var bundle models.Bundle
	path := fmt.Sprintf("/hospitals/%s/offline-bundle", url.PathEscape(hospitalID))
	if err := c.do(ctx, http.MethodGet, path, nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// GetUnit sends GET /ahus/qr/{id} to fetch one unit with its filters.
func (c *Client) GetUnit(ctx context.Context, ahuID string) (*models.CachedUnit, error) {
	var unit models.CachedUnit
	path := fmt.Sprintf("/ahus/qr/%s", url.PathEscape(ahuID))
	if err := c.do(ctx, http.MethodGet, path, nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

// Health sends GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	var body io.Reader
	if in != nil {
		bodyBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api"+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Accept", "application/json")
	if in != nil {
		httpReq.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, Body: respBody}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
