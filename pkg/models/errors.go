package models

import (
	"errors"
	"fmt"
)

// ValidationError means a trigger could not be normalized into a usable
// request. Validation failures are terminal and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// FetchError wraps a failure to collect pipeline data from GitLab.
type FetchError struct {
	ProjectID  int
	PipelineID int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for project %d pipeline %d: %v", e.ProjectID, e.PipelineID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProviderError wraps a failure from an AI provider, after retry and
// failover have both been exhausted.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DedupConflict reports a trigger whose fingerprint matched an active
// request. It carries the winning request's identifier.
type DedupConflict struct {
	Fingerprint Fingerprint
	ExistingID  string
}

func (e *DedupConflict) Error() string {
	return fmt.Sprintf("duplicate trigger, already tracked by request %s", e.ExistingID)
}

// TimeoutError marks an operation that ran out of time.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ErrExpired marks a request abandoned by the watchdog deadline.
var ErrExpired = errors.New("request expired before analysis completed")

// ErrNotFound is returned when a request or result does not exist or
// its retention window has elapsed.
var ErrNotFound = errors.New("not found")
