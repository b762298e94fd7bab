package sync

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/afctech/fieldsync/internal/api"
	"github.com/afctech/fieldsync/internal/sync/queue"
)

// ClassifyFailure turns a submission failure into the message stored in
// last_error. The first non-empty of these wins:
//
//  1. the "error" field of a remote JSON error body
//  2. the "message" field of a remote JSON error body
//  3. err.Error()
//  4. "Unknown Error"
//
// Remote body fields are prefixed with the HTTP status.
func ClassifyFailure(err error) string {
	if err == nil {
		return queue.UnknownError
	}

	var apiErr *api.APIError
	if stderrors.As(err, &apiErr) {
		errField, msgField := apiErr.BodyFields()
		if errField != "" {
			return fmt.Sprintf("API error (%d): %s", apiErr.StatusCode, errField)
		}
		if msgField != "" {
			return fmt.Sprintf("API error (%d): %s", apiErr.StatusCode, msgField)
		}
	}

	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return queue.UnknownError
}
