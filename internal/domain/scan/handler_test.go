package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/scanhub/scanhub/internal/platform/auth"
	"github.com/scanhub/scanhub/internal/platform/blobstore"
	"github.com/scanhub/scanhub/internal/platform/notify"
)

var testSigningKey = []byte("handler-test-signing-key")

type handlerFixture struct {
	e      *echo.Echo
	svc    *Service
	repo   *InMemoryRepository
	worker *fakeWorker
	blobs  *blobstore.InMemoryStore
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	repo := NewInMemoryRepository()
	worker := &fakeWorker{}
	svc := NewService(repo, worker, &notify.Recorder{}, zerolog.Nop())
	blobs := blobstore.NewInMemoryStore()
	h := NewHandler(svc, blobs)

	e := echo.New()
	api := e.Group("/api")
	api.Use(auth.Middleware(testSigningKey))
	h.RegisterRoutes(api)
	h.RegisterCallbackRoutes(e.Group("/api"))

	return &handlerFixture{e: e, svc: svc, repo: repo, worker: worker, blobs: blobs}
}

func bearerFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.GenerateToken(testSigningKey, userID, "Test User", role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + token
}

func multipartUpload(t *testing.T, patientID, scanType string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="scan"; filename="chest.png"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("fake-image-bytes")); err != nil {
		t.Fatal(err)
	}
	if patientID != "" {
		_ = w.WriteField("patient_id", patientID)
	}
	if scanType != "" {
		_ = w.WriteField("scan_type", scanType)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestUploadCreatesAndDispatches(t *testing.T) {
	f := newHandlerFixture(t)

	body, contentType := multipartUpload(t, "patient-1", "chest-xray")
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "hospital-1", "hospital"))

	rec := f.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	scanID, _ := resp["scan_id"].(string)
	if scanID == "" {
		t.Fatal("response missing scan_id")
	}
	if resp["status"] != string(StatusProcessing) {
		t.Errorf("response status = %v, want processing", resp["status"])
	}

	f.svc.Wait()
	stored, err := f.repo.GetByScanID(context.Background(), scanID)
	if err != nil {
		t.Fatalf("GetByScanID: %v", err)
	}
	if stored.Status != StatusProcessing {
		t.Errorf("stored status = %s, want processing", stored.Status)
	}
	if stored.UploadedBy != "hospital-1" {
		t.Errorf("uploaded_by = %s, want hospital-1", stored.UploadedBy)
	}
	if f.worker.callCount() != 1 {
		t.Errorf("worker calls = %d, want 1", f.worker.callCount())
	}
}

func TestUploadRequiresStaffRole(t *testing.T) {
	f := newHandlerFixture(t)

	body, contentType := multipartUpload(t, "patient-1", "chest-xray")
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "patient-1", "patient"))

	if rec := f.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for patient upload", rec.Code)
	}
}

func TestUploadRejectsMissingFields(t *testing.T) {
	f := newHandlerFixture(t)

	body, contentType := multipartUpload(t, "", "chest-xray")
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "hospital-1", "hospital"))

	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUploadRejectsInvalidScanType(t *testing.T) {
	f := newHandlerFixture(t)

	body, contentType := multipartUpload(t, "patient-1", "hologram")
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "hospital-1", "hospital"))

	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	body, contentType := multipartUpload(t, "patient-1", "chest-xray")
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)

	if rec := f.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// seedCompleted walks a record through the full pipeline to completed.
func seedCompleted(t *testing.T, f *handlerFixture, patientID string) string {
	t.Helper()
	ctx := context.Background()
	rec := &Record{
		PatientID:  patientID,
		ScanType:   "chest-xray",
		FileRef:    "mem://seeded",
		UploadedBy: "hospital-1",
	}
	if err := f.svc.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Dispatch(ctx, rec.ScanID, rec.ScanType, nil); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()
	if err := f.svc.HandleResult(ctx, rec.ScanID, validResult()); err != nil {
		t.Fatal(err)
	}
	return rec.ScanID
}

func TestGetAnalysisOwnScan(t *testing.T) {
	f := newHandlerFixture(t)
	scanID := seedCompleted(t, f, "patient-1")

	req := httptest.NewRequest(http.MethodGet, "/api/scans/"+scanID+"/analysis", nil)
	req.Header.Set("Authorization", bearerFor(t, "patient-1", "patient"))

	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.AIAnalysis == nil {
		t.Error("analysis missing from response")
	}
}

func TestGetAnalysisForeignScanForbidden(t *testing.T) {
	f := newHandlerFixture(t)
	scanID := seedCompleted(t, f, "patient-1")

	req := httptest.NewRequest(http.MethodGet, "/api/scans/"+scanID+"/analysis", nil)
	req.Header.Set("Authorization", bearerFor(t, "patient-2", "patient"))

	if rec := f.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestGetAnalysisNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/scans/S-MISSING/analysis", nil)
	req.Header.Set("Authorization", bearerFor(t, "doctor-1", "doctor"))

	if rec := f.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	f := newHandlerFixture(t)
	seedCompleted(t, f, "patient-1")
	seedCompleted(t, f, "patient-2")

	req := httptest.NewRequest(http.MethodGet, "/api/scans?patient_id=patient-1&limit=10", nil)
	req.Header.Set("Authorization", bearerFor(t, "doctor-1", "doctor"))

	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data  []Record `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Errorf("total = %d, rows = %d, want 1/1", resp.Total, len(resp.Data))
	}
	if resp.Data[0].PatientID != "patient-1" {
		t.Errorf("patient_id = %s, want patient-1", resp.Data[0].PatientID)
	}
}

func TestAnalysisCompleteCallback(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	rec := &Record{PatientID: "patient-1", ScanType: "ct-scan", FileRef: "mem://x", UploadedBy: "h"}
	if err := f.svc.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Dispatch(ctx, rec.ScanID, rec.ScanType, nil); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()

	payload := fmt.Sprintf(`{
		"scan_id": %q,
		"result": {
			"confidence": 0.89,
			"findings": [{"condition":"Normal","confidence":0.89,"description":"No abnormal findings detected","severity":"low"}],
			"recommendations": [{"priority":"low","action":"Continue routine care","details":""}],
			"requires_doctor_review": false,
			"processing_time_ms": 4100,
			"model_version": "2.1.0"
		}
	}`, rec.ScanID)

	req := httptest.NewRequest(http.MethodPost, "/api/ai/analysis-complete", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")

	resp := f.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}

	stored, _ := f.repo.GetByScanID(ctx, rec.ScanID)
	if stored.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestAnalysisCompleteMalformedResult(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	rec := &Record{PatientID: "patient-1", ScanType: "ct-scan", FileRef: "mem://x", UploadedBy: "h"}
	if err := f.svc.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Dispatch(ctx, rec.ScanID, rec.ScanType, nil); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()

	payload := fmt.Sprintf(`{"scan_id": %q, "result": {"findings": [], "recommendations": []}}`, rec.ScanID)
	req := httptest.NewRequest(http.MethodPost, "/api/ai/analysis-complete", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")

	if resp := f.do(req); resp.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.Code)
	}
}

func TestAnalysisCompleteUnknownScan(t *testing.T) {
	f := newHandlerFixture(t)

	payload := `{"scan_id": "S-MISSING", "result": {"confidence": 0.5, "findings": [], "recommendations": []}}`
	req := httptest.NewRequest(http.MethodPost, "/api/ai/analysis-complete", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")

	if resp := f.do(req); resp.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Code)
	}
}

func TestReviewEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	scanID := seedCompleted(t, f, "patient-1")

	body := bytes.NewBufferString(`{"notes": "Concur with analysis", "approved": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+scanID+"/review", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerFor(t, "doctor-1", "doctor"))

	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DoctorReview == nil || got.DoctorReview.ReviewedBy != "doctor-1" {
		t.Errorf("review = %+v", got.DoctorReview)
	}
}

func TestReviewConflictOnPendingScan(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	rec := &Record{PatientID: "patient-1", ScanType: "chest-xray", FileRef: "mem://x", UploadedBy: "h"}
	if err := f.svc.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	body := bytes.NewBufferString(`{"notes": "", "approved": false}`)
	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+rec.ScanID+"/review", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerFor(t, "doctor-1", "doctor"))

	if resp := f.do(req); resp.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	ref, err := f.blobs.Put(ctx, "chest.png", []byte("image"))
	if err != nil {
		t.Fatal(err)
	}
	rec := &Record{PatientID: "patient-1", ScanType: "chest-xray", FileRef: ref, UploadedBy: "h"}
	if err := f.svc.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	f.worker.err = fmt.Errorf("worker down")
	if err := f.svc.Dispatch(ctx, rec.ScanID, rec.ScanType, nil); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()
	f.worker.err = nil

	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+rec.ScanID+"/retry", nil)
	req.Header.Set("Authorization", bearerFor(t, "hospital-1", "hospital"))

	resp := f.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	f.svc.Wait()

	stored, _ := f.repo.GetByScanID(ctx, rec.ScanID)
	if stored.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", stored.Status)
	}
}

func TestWorkerStatusEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	seedCompleted(t, f, "patient-1")

	req := httptest.NewRequest(http.MethodGet, "/api/ai/status", nil)
	req.Header.Set("Authorization", bearerFor(t, "doctor-1", "doctor"))

	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var status WorkerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.CompletedToday != 1 {
		t.Errorf("completed today = %d, want 1", status.CompletedToday)
	}
}
