package scan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultSubmitTimeout bounds the outbound call to the analysis worker.
// Exceeding it is treated identically to any other dispatch failure.
const DefaultSubmitTimeout = 120 * time.Second

// Worker is the external analysis capability. Submit returns once the worker
// has acknowledged receipt of the image; the result arrives later through
// the callback ingress, never as Submit's response.
type Worker interface {
	Submit(ctx context.Context, scanID, scanType string, image []byte) error
}

// HTTPWorker submits scans to a remote analysis service over HTTP.
type HTTPWorker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorker creates a worker client for the service at baseURL.
func NewHTTPWorker(baseURL string, timeout time.Duration) *HTTPWorker {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &HTTPWorker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit posts the image as multipart form data to the worker's /analyze
// endpoint. Any non-2xx response is a dispatch failure.
func (w *HTTPWorker) Submit(ctx context.Context, scanID, scanType string, image []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", scanID)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}
	if err := mw.WriteField("scan_id", scanID); err != nil {
		return fmt.Errorf("write scan_id field: %w", err)
	}
	if err := mw.WriteField("scan_type", scanType); err != nil {
		return fmt.Errorf("write scan_type field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/analyze", &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit scan %s: %w", scanID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker rejected scan %s: status %d", scanID, resp.StatusCode)
	}
	return nil
}
