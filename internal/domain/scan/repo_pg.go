package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a Postgres-backed Repository on the medical_scan table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const scanCols = `id, scan_id, patient_id, doctor_id, hospital_id, scan_type,
	file_ref, file_size, uploaded_by, status, ai_analysis, doctor_review,
	original_filename, mime_type, created_at, updated_at`

func scanRow(row pgx.Row) (*Record, error) {
	var rec Record
	var analysis, review []byte
	err := row.Scan(&rec.ID, &rec.ScanID, &rec.PatientID, &rec.DoctorID, &rec.HospitalID, &rec.ScanType,
		&rec.FileRef, &rec.FileSize, &rec.UploadedBy, &rec.Status, &analysis, &review,
		&rec.OriginalFilename, &rec.MimeType, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(analysis) > 0 {
		rec.AIAnalysis = &Analysis{}
		if err := json.Unmarshal(analysis, rec.AIAnalysis); err != nil {
			return nil, fmt.Errorf("decode ai_analysis: %w", err)
		}
	}
	if len(review) > 0 {
		rec.DoctorReview = &DoctorReview{}
		if err := json.Unmarshal(review, rec.DoctorReview); err != nil {
			return nil, fmt.Errorf("decode doctor_review: %w", err)
		}
	}
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO medical_scan (id, scan_id, patient_id, doctor_id, hospital_id, scan_type,
			file_ref, file_size, uploaded_by, status, original_filename, mime_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.ScanID, rec.PatientID, rec.DoctorID, rec.HospitalID, rec.ScanType,
		rec.FileRef, rec.FileSize, rec.UploadedBy, rec.Status, rec.OriginalFilename, rec.MimeType)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateScanID
	}
	return err
}

func (r *repoPG) GetByScanID(ctx context.Context, scanID string) (*Record, error) {
	return scanRow(r.pool.QueryRow(ctx, `SELECT `+scanCols+` FROM medical_scan WHERE scan_id = $1`, scanID))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	query := `SELECT ` + scanCols + ` FROM medical_scan WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM medical_scan WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PatientID != "" {
		cond := fmt.Sprintf(` AND patient_id = $%d`, idx)
		query += cond
		countQuery += cond
		args = append(args, f.PatientID)
		idx++
	}
	if f.Status != "" {
		cond := fmt.Sprintf(` AND status = $%d`, idx)
		query += cond
		countQuery += cond
		args = append(args, f.Status)
		idx++
	}
	if f.ScanType != "" {
		cond := fmt.Sprintf(` AND scan_type = $%d`, idx)
		query += cond
		countQuery += cond
		args = append(args, f.ScanType)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// TransitionStatus relies on the conditional UPDATE to serialize concurrent
// writers: only one caller can move the row out of the from status.
func (r *repoPG) TransitionStatus(ctx context.Context, scanID string, from, to Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE medical_scan SET status = $3, updated_at = NOW()
		WHERE scan_id = $1 AND status = $2`,
		scanID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, scanID)
	}
	return nil
}

func (r *repoPG) ApplyAnalysis(ctx context.Context, scanID string, a *Analysis) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode ai_analysis: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE medical_scan SET ai_analysis = $2, status = $3, updated_at = NOW()
		WHERE scan_id = $1 AND status = $4`,
		scanID, payload, StatusCompleted, StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status Status
		err := r.pool.QueryRow(ctx, `SELECT status FROM medical_scan WHERE scan_id = $1`, scanID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status == StatusCompleted {
			return ErrDuplicateResult
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *repoPG) ClearAnalysis(ctx context.Context, scanID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE medical_scan SET ai_analysis = NULL, status = $2, updated_at = NOW()
		WHERE scan_id = $1 AND status = $3`,
		scanID, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, scanID)
	}
	return nil
}

func (r *repoPG) SetReview(ctx context.Context, scanID string, review *DoctorReview) error {
	payload, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("encode doctor_review: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE medical_scan SET doctor_review = $2, updated_at = NOW()
		WHERE scan_id = $1`,
		scanID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM medical_scan WHERE status = $1`, status).Scan(&n)
	return n, err
}

func (r *repoPG) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM medical_scan WHERE status = $1 AND updated_at >= $2`,
		StatusCompleted, since).Scan(&n)
	return n, err
}

// classifyMiss distinguishes "no such record" from "record in another state"
// after a conditional UPDATE touched zero rows.
func (r *repoPG) classifyMiss(ctx context.Context, scanID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM medical_scan WHERE scan_id = $1)`, scanID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}
