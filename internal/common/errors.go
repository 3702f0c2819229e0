// Package common defines shared constants and sentinel errors used across
// the control-plane components. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Uniqueness violations and illegal no-ops.
	ErrConflict = errors.New("conflict")

	// Malformed or empty input, bad numeric ranges.
	ErrValidation = errors.New("validation error")

	// Ticket or file already past its deadline.
	ErrExpired = errors.New("expired")

	// Caller-supplied storage id disagrees with the one chosen at issuance.
	ErrMismatch = errors.New("storage id mismatch")

	// Required remote-backend credentials are absent.
	ErrConfig = errors.New("missing configuration")
)
