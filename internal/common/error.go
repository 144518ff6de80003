// Package common defines shared constants and sentinel errors used across
// driveback layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized access, session expired")
	ErrorAccessDenied = errors.New("unauthorized, access denied")

	// Request validation.
	ErrorValidation = errors.New("validation error")

	// Admission policy violations. No task row is written when these fire.
	ErrQuotaExceeded       = errors.New("user quota is full")
	ErrFileCapExceeded     = errors.New("upload limit reached")
	ErrDuplicateCheckpoint = errors.New("checkpoint has already been uploaded")

	// External collaborators.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// Transfer integrity (byte count mismatch after download). Counts toward
	// the task fail limit exactly like a transient transfer error.
	ErrIntegrity = errors.New("integrity check failed")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
