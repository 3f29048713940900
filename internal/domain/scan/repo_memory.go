package scan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository is a thread-safe in-memory Repository used by tests and
// demo mode. All conditional operations run under one lock, which gives the
// same single-writer-per-record guarantee the Postgres implementation gets
// from conditional UPDATEs.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record // scan_id -> record
	order   []string           // insertion order, newest listing done in reverse
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{records: make(map[string]*Record)}
}

func (r *InMemoryRepository) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ScanID]; ok {
		return ErrDuplicateScanID
	}

	rec.ID = uuid.New()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	cp := *rec
	r.records[rec.ScanID] = &cp
	r.order = append(r.order, rec.ScanID)
	return nil
}

func (r *InMemoryRepository) GetByScanID(_ context.Context, scanID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[scanID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *InMemoryRepository) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Record
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if f.PatientID != "" && rec.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.ScanType != "" && rec.ScanType != f.ScanType {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *InMemoryRepository) TransitionStatus(_ context.Context, scanID string, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[scanID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != from {
		return ErrInvalidTransition
	}
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) ApplyAnalysis(_ context.Context, scanID string, a *Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[scanID]
	if !ok {
		return ErrNotFound
	}
	switch rec.Status {
	case StatusProcessing:
	case StatusCompleted:
		return ErrDuplicateResult
	default:
		return ErrInvalidTransition
	}

	cp := *a
	rec.AIAnalysis = &cp
	rec.Status = StatusCompleted
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) ClearAnalysis(_ context.Context, scanID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[scanID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusFailed {
		return ErrInvalidTransition
	}
	rec.AIAnalysis = nil
	rec.Status = StatusPending
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) SetReview(_ context.Context, scanID string, review *DoctorReview) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[scanID]
	if !ok {
		return ErrNotFound
	}
	cp := *review
	rec.DoctorReview = &cp
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) CountByStatus(_ context.Context, status Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) CountCompletedSince(_ context.Context, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusCompleted && !rec.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
