package scan

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scan record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further lifecycle
// transitions other than an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var validScanTypes = map[string]bool{
	"chest-xray": true, "brain-mri": true, "bone-xray": true,
	"ct-scan": true, "ultrasound": true,
}

// ValidScanType reports whether t is a supported scan category.
func ValidScanType(t string) bool { return validScanTypes[t] }

// Record maps to the medical_scan table. Status is mutated only through the
// repository's conditional transition operations; aiAnalysis is present if
// and only if status is completed.
type Record struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	ScanID           string        `db:"scan_id" json:"scan_id"`
	PatientID        string        `db:"patient_id" json:"patient_id"`
	DoctorID         *string       `db:"doctor_id" json:"doctor_id,omitempty"`
	HospitalID       *string       `db:"hospital_id" json:"hospital_id,omitempty"`
	ScanType         string        `db:"scan_type" json:"scan_type"`
	FileRef          string        `db:"file_ref" json:"file_ref"`
	FileSize         int64         `db:"file_size" json:"file_size"`
	UploadedBy       string        `db:"uploaded_by" json:"uploaded_by"`
	Status           Status        `db:"status" json:"status"`
	AIAnalysis       *Analysis     `db:"ai_analysis" json:"ai_analysis,omitempty"`
	DoctorReview     *DoctorReview `db:"doctor_review" json:"doctor_review,omitempty"`
	OriginalFilename *string       `db:"original_filename" json:"original_filename,omitempty"`
	MimeType         *string       `db:"mime_type" json:"mime_type,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// Analysis is the structured result written by the worker callback.
type Analysis struct {
	Confidence           float64  `json:"confidence"`
	Findings             []string `json:"findings"`
	Recommendations      []string `json:"recommendations"`
	ProcessingTimeMs     int64    `json:"processing_time_ms"`
	ModelVersion         string   `json:"model_version"`
	RequiresDoctorReview bool     `json:"requires_doctor_review"`
}

// DoctorReview is layered on top of a completed record by the review
// workflow; it never participates in lifecycle transitions.
type DoctorReview struct {
	ReviewedBy string    `json:"reviewed_by"`
	Notes      string    `json:"notes"`
	Approved   bool      `json:"approved"`
	ReviewDate time.Time `json:"review_date"`
}

// Finding is one observation inside a worker result payload.
type Finding struct {
	Condition   string  `json:"condition"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
}

// Recommendation is one suggested action inside a worker result payload.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Details  string `json:"details"`
}

// Result is the callback payload from the analysis worker. Confidence is a
// pointer so that an absent field is distinguishable from 0.0 during
// validation; Findings and Recommendations may be empty but not absent.
type Result struct {
	Confidence           *float64         `json:"confidence"`
	Findings             []Finding        `json:"findings"`
	Recommendations      []Recommendation `json:"recommendations"`
	RequiresDoctorReview bool             `json:"requires_doctor_review"`
	ProcessingTimeMs     int64            `json:"processing_time_ms"`
	ModelVersion         string           `json:"model_version"`
}

// Validate checks the callback payload for the required fields.
func (r *Result) Validate() error {
	if r.Confidence == nil {
		return ErrMalformedResult
	}
	if r.Findings == nil || r.Recommendations == nil {
		return ErrMalformedResult
	}
	return nil
}

// ToAnalysis flattens a validated result into the stored analysis form.
func (r *Result) ToAnalysis() *Analysis {
	findings := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		findings = append(findings, f.Description)
	}
	recs := make([]string, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		recs = append(recs, rec.Action)
	}
	return &Analysis{
		Confidence:           *r.Confidence,
		Findings:             findings,
		Recommendations:      recs,
		ProcessingTimeMs:     r.ProcessingTimeMs,
		ModelVersion:         r.ModelVersion,
		RequiresDoctorReview: r.RequiresDoctorReview,
	}
}

/// DerivePriority maps worker findings to a notification priority: "high" if
// any finding carries a high severity marker, "medium" otherwise.
func DerivePriority(findings []Finding) string {
	for _, f := range findings {
		if f.Severity == "high" {
			return "high"
		}
	}
	return "medium"
}
