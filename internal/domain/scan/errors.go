package scan

import "errors"

var (
	// ErrNotFound is returned when no record exists for the given scan ID.
	ErrNotFound = errors.New("scan record not found")

	// ErrInvalidTransition is returned when an operation is attempted
	// against a record whose current status does not permit it.
	ErrInvalidTransition = errors.New("invalid scan status transition")

	// ErrMalformedResult is returned when a worker callback payload is
	// missing required fields. The record is left untouched.
	ErrMalformedResult = errors.New("malformed analysis result")

	// ErrDuplicateResult is returned when a callback arrives for a record
	// that is already completed. Callers treat it as an accepted no-op.
	ErrDuplicateResult = errors.New("analysis result already applied")

	// ErrDuplicateScanID is returned when a record with the same scan ID
	// already exists.
	ErrDuplicateScanID = errors.New("scan id already exists")
)
