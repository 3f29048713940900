package aiworker

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/scanhub/scanhub/internal/domain/scan"
)

type callbackSink struct {
	mu       sync.Mutex
	received []map[string]json.RawMessage
}

func (s *callbackSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.received = append(s.received, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func analyzeRequest(t *testing.T, scanID, scanType string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("image", "scan.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("image-bytes")); err != nil {
		t.Fatal(err)
	}
	if scanID != "" {
		_ = w.WriteField("scan_id", scanID)
	}
	if scanType != "" {
		_ = w.WriteField("scan_type", scanType)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestAnalyzeAcksImmediately(t *testing.T) {
	sink := &callbackSink{}
	backend := httptest.NewServer(sink.handler())
	defer backend.Close()

	h := NewHandler(NewAnalyzer(0), backend.URL, zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, analyzeRequest(t, "S123", "chest-xray"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["scan_id"] != "S123" || resp["status"] != "accepted" {
		t.Errorf("ack = %v", resp)
	}
}

func TestAnalyzeRequiresScanIDAndImage(t *testing.T) {
	h := NewHandler(NewAnalyzer(0), "http://localhost:0", zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, analyzeRequest(t, "", "chest-xray"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing scan_id: status = %d, want 400", rec.Code)
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("scan_id", "S123")
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing image: status = %d, want 400", rec.Code)
	}
}

func TestPostResultDeliversCallback(t *testing.T) {
	sink := &callbackSink{}
	backend := httptest.NewServer(sink.handler())
	defer backend.Close()

	h := NewHandler(NewAnalyzer(0), backend.URL, zerolog.Nop())
	result := NewAnalyzer(0).Analyze("chest-xray", 1024)
	if err := h.PostResult(context.Background(), "S777", result); err != nil {
		t.Fatalf("PostResult: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.received) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(sink.received))
	}
	var scanID string
	if err := json.Unmarshal(sink.received[0]["scan_id"], &scanID); err != nil {
		t.Fatal(err)
	}
	if scanID != "S777" {
		t.Errorf("scan_id = %s", scanID)
	}
	var got scan.Result
	if err := json.Unmarshal(sink.received[0]["result"], &got); err != nil {
		t.Fatal(err)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("delivered result invalid: %v", err)
	}
}

func TestPostResultRejectedCallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer backend.Close()

	h := NewHandler(NewAnalyzer(0), backend.URL, zerolog.Nop())
	result := NewAnalyzer(0).Analyze("ct-scan", 1024)
	if err := h.PostResult(context.Background(), "S1", result); err == nil {
		t.Error("expected error for non-2xx callback response")
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(NewAnalyzer(0), "http://localhost:0", zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["model_version"] != ModelVersion {
		t.Errorf("model_version = %v", resp["model_version"])
	}
}
