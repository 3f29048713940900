package aiworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/scanhub/scanhub/internal/domain/scan"
)

// Handler exposes the worker's HTTP surface: /analyze for submissions and
// /health for probes. A 2xx from /analyze only acknowledges receipt; the
// result is posted to the backend callback after the simulated delay.
type Handler struct {
	analyzer    *Analyzer
	callbackURL string
	client      *http.Client
	logger      zerolog.Logger
}

// NewHandler creates a Handler that reports results to callbackURL.
func NewHandler(analyzer *Analyzer, callbackURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		analyzer:    analyzer,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// RegisterRoutes registers the worker endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/analyze", h.Analyze)
	e.GET("/health", h.Health)
}

// Analyze accepts a multipart submission and schedules the simulated
// analysis. It responds before the analysis runs.
func (h *Handler) Analyze(c echo.Context) error {
	scanID := c.FormValue("scan_id")
	if scanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scan_id is required")
	}
	scanType := c.FormValue("scan_type")
	if scanType == "" {
		scanType = "chest-xray"
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no image file provided")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable image file")
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable image file")
	}

	h.logger.Info().Str("scan_id", scanID).Str("scan_type", scanType).Int("bytes", len(image)).
		Msg("analysis accepted")

	go h.runAnalysis(scanID, scanType, len(image))

	return c.JSON(http.StatusAccepted, map[string]string{
		"scan_id": scanID,
		"status":  "accepted",
	})
}

func (h *Handler) runAnalysis(scanID, scanType string, imageSize int) {
	time.Sleep(h.analyzer.Delay)
	result := h.analyzer.Analyze(scanType, imageSize)

	if err := h.PostResult(context.Background(), scanID, result); err != nil {
		h.logger.Error().Err(err).Str("scan_id", scanID).Msg("callback delivery failed")
		return
	}
	h.logger.Info().Str("scan_id", scanID).Float64("confidence", *result.Confidence).
		Msg("analysis result delivered")
}

// PostResult delivers one result to the backend callback ingress.
func (h *Handler) PostResult(ctx context.Context, scanID string, result *scan.Result) error {
	body, err := json.Marshal(map[string]interface{}{
		"scan_id": scanID,
		"result":  result,
	})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"service":       "scanhub-ai-worker",
		"model_version": ModelVersion,
		"timestamp":     time.Now().UTC(),
	})
}
