// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"outbox", ErrOutbox},
		{"cache", ErrCache},
		{"bundle invalid", ErrBundleInvalid},
		{"sync failed", ErrSyncFailed},
		{"sync timeout", ErrSyncTimeout},
		{"sync busy", ErrSyncBusy},
		{"remote", ErrRemote},
		{"offline", ErrOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "put failed", Err: errors.New("disk full")},
			want:     "[DATABASE_ERROR] put failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies errors.Is sees through AppError.
func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := Wrap(ErrOutbox, "mark failed", underlying)

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
	if New(ErrInternal, "x").Unwrap() != nil {
		t.Error("Unwrap() without cause should be nil")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrDatabase, "scan failed")
	outer := Wrap(ErrOutbox, "list unsynced", inner)
	wrapped := fmt.Errorf("drain: %w", outer)

	if !Is(wrapped, ErrOutbox) {
		t.Error("Is(ErrOutbox) = false, want true")
	}
	if !Is(wrapped, ErrDatabase) {
		t.Error("Is(ErrDatabase) = false, want true for nested AppError")
	}
	if Is(wrapped, ErrRemote) {
		t.Error("Is(ErrRemote) = true, want false")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("plain errors should not match any code")
	}
	if Is(nil, ErrInternal) {
		t.Error("nil should not match any code")
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrCache, "get", New(ErrDatabase, "x"))); got != ErrCache {
		t.Errorf("CodeOf() = %s, want %s", got, ErrCache)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}
