package scan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanhub/scanhub/internal/platform/metrics"
	"github.com/scanhub/scanhub/internal/platform/notify"
)

// Service orchestrates the scan lifecycle: record creation, dispatch to the
// analysis worker, callback ingestion, and notification fan-out.
type Service struct {
	repo   Repository
	worker Worker
	router notify.Router
	logger zerolog.Logger

	// SubmitTimeout bounds each outbound worker call.
	SubmitTimeout time.Duration

	wg sync.WaitGroup
}

// NewService constructs a Service.
func NewService(repo Repository, worker Worker, router notify.Router, logger zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		worker:        worker,
		router:        router,
		logger:        logger,
		SubmitTimeout: DefaultSubmitTimeout,
	}
}

// Wait blocks until all in-flight worker submissions have finished. Used on
// shutdown so a terminating server does not abandon a dispatch mid-call.
func (s *Service) Wait() { s.wg.Wait() }

// NewScanID generates an S-prefixed identifier (base36 timestamp plus random
// suffix), matching the format patients and doctors see in the portals.
func NewScanID() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return "S" + strings.ToUpper(ts) + strings.ToUpper(hex.EncodeToString(b[:]))
}

// Create validates and stores a new record in pending state, then announces
// the upload to the doctor pool. The caller dispatches separately.
func (s *Service) Create(ctx context.Context, rec *Record) error {
	if rec.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if !ValidScanType(rec.ScanType) {
		return fmt.Errorf("invalid scan_type: %s", rec.ScanType)
	}
	if rec.FileRef == "" {
		return fmt.Errorf("file_ref is required")
	}
	if rec.UploadedBy == "" {
		return fmt.Errorf("uploaded_by is required")
	}
	if rec.ScanID == "" {
		rec.ScanID = NewScanID()
	}
	rec.Status = StatusPending
	rec.AIAnalysis = nil

	if err := s.repo.Create(ctx, rec); err != nil {
		return err
	}
	metrics.ScansUploaded.WithLabelValues(rec.ScanType).Inc()

	event, err := notify.NewEvent(notify.EventScanUploaded, notify.AudienceDoctors, rec.ScanID, map[string]interface{}{
		"scan_id":     rec.ScanID,
		"patient_id":  rec.PatientID,
		"scan_type":   rec.ScanType,
		"uploaded_by": rec.UploadedBy,
	})
	if err == nil {
		_ = s.router.Publish(ctx, event)
	}
	return nil
}

// Dispatch hands the image to the analysis worker. The pending -> processing
// transition is committed before the outbound call begins, so a crash
// mid-call leaves the record observably in flight rather than stuck at
// pending. The call itself runs in the background; Dispatch returns as soon
// as the transition is durable, keeping the upload path sub-second.
func (s *Service) Dispatch(ctx context.Context, scanID, scanType string, image []byte) error {
	if err := s.repo.TransitionStatus(ctx, scanID, StatusPending, StatusProcessing); err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusPending), string(StatusProcessing)).Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Submit(context.Background(), scanID, scanType, image)
	}()
	return nil
}

// Submit performs the bounded outbound worker call and records a confirmed
// dispatch failure as a terminal failed state. Exposed separately from
// Dispatch so the transport-failure path is testable without goroutine
// scheduling.
func (s *Service) Submit(ctx context.Context, scanID, scanType string, image []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.SubmitTimeout)
	defer cancel()

	if err := s.worker.Submit(ctx, scanID, scanType, image); err != nil {
		s.logger.Error().Err(err).Str("scan_id", scanID).Msg("dispatch to analysis worker failed")
		metrics.DispatchFailures.Inc()
		if terr := s.repo.TransitionStatus(context.WithoutCancel(ctx), scanID, StatusProcessing, StatusFailed); terr != nil {
			// A callback may have won the race; the terminal state stands.
			s.logger.Warn().Err(terr).Str("scan_id", scanID).Msg("could not mark scan failed")
			return
		}
		metrics.StatusTransitions.WithLabelValues(string(StatusProcessing), string(StatusFailed)).Inc()
		return
	}
	s.logger.Info().Str("scan_id", scanID).Msg("scan accepted by analysis worker")
}

// HandleResult ingests the worker's asynchronous result. The analysis write
// and the processing -> completed transition are a single atomic repository
// operation; a duplicate callback for an already-completed record is a
// logged no-op that does not re-trigger notifications. Notification fan-out
// is best-effort: its failure never rolls the record back.
func (s *Service) HandleResult(ctx context.Context, scanID string, result *Result) error {
	if err := result.Validate(); err != nil {
		return err
	}

	analysis := result.ToAnalysis()
	if err := s.repo.ApplyAnalysis(ctx, scanID, analysis); err != nil {
		if err == ErrDuplicateResult {
			s.logger.Info().Str("scan_id", scanID).Msg("duplicate analysis callback ignored")
			return nil
		}
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusProcessing), string(StatusCompleted)).Inc()
	s.logger.Info().
		Str("scan_id", scanID).
		Float64("confidence", analysis.Confidence).
		Bool("requires_review", analysis.RequiresDoctorReview).
		Msg("analysis applied")

	rec, err := s.repo.GetByScanID(ctx, scanID)
	if err != nil {
		// The completion is durable; fan-out just has nothing to address.
		s.logger.Error().Err(err).Str("scan_id", scanID).Msg("reload after analysis failed")
		return nil
	}
	s.fanOut(ctx, rec, result)
	return nil
}

func (s *Service) fanOut(ctx context.Context, rec *Record, result *Result) {
	complete, err := notify.NewEvent(notify.EventAnalysisComplete, notify.PatientAudience(rec.PatientID), rec.ScanID, map[string]interface{}{
		"scan_id":                rec.ScanID,
		"confidence":             *result.Confidence,
		"findings":               result.Findings,
		"recommendations":        result.Recommendations,
		"requires_doctor_review": result.RequiresDoctorReview,
	})
	if err == nil {
		_ = s.router.Publish(ctx, complete)
	}

	if !result.RequiresDoctorReview {
		return
	}
	audience := notify.AudienceDoctors
	if rec.DoctorID != nil && *rec.DoctorID != "" {
		audience = notify.DoctorAudience(*rec.DoctorID)
	}
	review, err := notify.NewEvent(notify.EventReviewRequired, audience, rec.ScanID, map[string]interface{}{
		"scan_id":    rec.ScanID,
		"patient_id": rec.PatientID,
		"scan_type":  rec.ScanType,
		"confidence": *result.Confidence,
		"priority":   DerivePriority(result.Findings),
	})
	if err == nil {
		_ = s.router.Publish(ctx, review)
	}
}

// Retry resets a failed record to pending and dispatches it again with the
// supplied image bytes. Only failed records are eligible.
func (s *Service) Retry(ctx context.Context, scanID, scanType string, image []byte) error {
	if err := s.repo.ClearAnalysis(ctx, scanID); err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusFailed), string(StatusPending)).Inc()
	return s.Dispatch(ctx, scanID, scanType, image)
}

// Review attaches a doctor's assessment to a completed record and notifies
// the patient. Reviews never change the lifecycle status.
func (s *Service) Review(ctx context.Context, scanID string, review *DoctorReview) error {
	rec, err := s.repo.GetByScanID(ctx, scanID)
	if err != nil {
		return err
	}
	if rec.Status != StatusCompleted {
		return ErrInvalidTransition
	}
	review.ReviewDate = time.Now().UTC()
	if err := s.repo.SetReview(ctx, scanID, review); err != nil {
		return err
	}

	event, err := notify.NewEvent(notify.EventAnalysisReviewed, notify.PatientAudience(rec.PatientID), scanID, map[string]interface{}{
		"scan_id":     scanID,
		"approved":    review.Approved,
		"reviewed_by": review.ReviewedBy,
	})
	if err == nil {
		_ = s.router.Publish(ctx, event)
	}
	return nil
}

// Get returns one record by scan ID.
func (s *Service) Get(ctx context.Context, scanID string) (*Record, error) {
	return s.repo.GetByScanID(ctx, scanID)
}

// List returns records matching the filter with a total count.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// WorkerStatus summarises pipeline load for the status endpoint.
type WorkerStatus struct {
	ProcessingScans int `json:"processing_scans"`
	CompletedToday  int `json:"completed_today"`
}

// Status reports how many scans are in flight and how many completed since
// local midnight.
func (s *Service) Status(ctx context.Context) (*WorkerStatus, error) {
	processing, err := s.repo.CountByStatus(ctx, StatusProcessing)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	completed, err := s.repo.CountCompletedSince(ctx, midnight)
	if err != nil {
		return nil, err
	}
	return &WorkerStatus{ProcessingScans: processing, CompletedToday: completed}, nil
}
