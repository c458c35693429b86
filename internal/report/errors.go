package report

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a report or reply does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated is returned when no caller identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the caller lacks the role an operation needs.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidURL is wrapped by ValidationError for rejected source URLs.
	ErrInvalidURL = errors.New("invalid url")
	// ErrAlreadyApplied is returned when a progress write's ApplyKey was used before.
	ErrAlreadyApplied = errors.New("progress already applied")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RateLimitedError carries the earliest time the caller may retry.
type RateLimitedError struct {
	RetryAfter time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.RetryAfter.UTC().Format(time.RFC3339))
}
