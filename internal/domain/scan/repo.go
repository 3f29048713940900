package scan

import (
	"context"
	"time"
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	PatientID string
	Status    Status
	ScanType  string
}

// Repository is the durable store for scan records. Status never changes
// through a plain update: TransitionStatus and ApplyAnalysis are the only
// mutating paths and both are conditional on the current status, which is
// what serializes concurrent writers per scan ID.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByScanID(ctx context.Context, scanID string) (*Record, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)

	// TransitionStatus performs a compare-and-swap on status. It returns
	// ErrNotFound if no record exists and ErrInvalidTransition if the
	// record is not currently in the from status.
	TransitionStatus(ctx context.Context, scanID string, from, to Status) error

	// ApplyAnalysis atomically writes the analysis and moves the record
	// from processing to completed. It returns ErrDuplicateResult when the
	// record is already completed, ErrInvalidTransition for any other
	// non-processing status, and ErrNotFound when the record is missing.
	ApplyAnalysis(ctx context.Context, scanID string, a *Analysis) error

	// ClearAnalysis resets a failed record for retry: analysis dropped,
	// status back to pending. Conditional on status = failed.
	ClearAnalysis(ctx context.Context, scanID string) error

	SetReview(ctx context.Context, scanID string, review *DoctorReview) error

	CountByStatus(ctx context.Context, status Status) (int, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
}
