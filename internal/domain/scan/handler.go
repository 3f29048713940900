package scan

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scanhub/scanhub/internal/platform/auth"
	"github.com/scanhub/scanhub/internal/platform/blobstore"
	"github.com/scanhub/scanhub/pkg/pagination"
)

// Handler exposes the scan pipeline over HTTP.
type Handler struct {
	svc   *Service
	blobs blobstore.Store
}

// NewHandler creates a Handler backed by the given service and image store.
func NewHandler(svc *Service, blobs blobstore.Store) *Handler {
	return &Handler{svc: svc, blobs: blobs}
}

// RegisterRoutes registers the authenticated scan API.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	upload := api.Group("", auth.RequireRole("hospital", "doctor"))
	upload.POST("/scans/upload", h.Upload)
	upload.POST("/scans/:scanId/retry", h.Retry)

	read := api.Group("", auth.RequireRole("patient", "doctor", "hospital"))
	read.GET("/scans/:scanId/analysis", h.GetAnalysis)

	staff := api.Group("", auth.RequireRole("doctor", "hospital"))
	staff.GET("/scans", h.List)
	staff.GET("/ai/status", h.WorkerStatus)

	review := api.Group("", auth.RequireRole("doctor"))
	review.POST("/scans/:scanId/review", h.Review)
}

// RegisterCallbackRoutes registers the worker callback ingress. The worker
// sits inside the service mesh and does not carry user tokens.
func (h *Handler) RegisterCallbackRoutes(g *echo.Group) {
	g.POST("/ai/analysis-complete", h.AnalysisComplete)
}

// Upload accepts a multipart scan image, stores it, creates the pending
// record, and dispatches it for analysis. The response returns as soon as
// the record is in flight; the analysis result arrives asynchronously.
func (h *Handler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	patientID := c.FormValue("patient_id")
	scanType := c.FormValue("scan_type")
	if patientID == "" || scanType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id and scan_type are required")
	}

	fileHeader, err := c.FormFile("scan")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no scan file provided")
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if err := blobstore.ValidateUpload(fileHeader.Size, contentType); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable scan file")
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable scan file")
	}

	ref, err := h.blobs.Put(ctx, fileHeader.Filename, image)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store scan file")
	}

	rec := &Record{
		PatientID:        patientID,
		ScanType:         scanType,
		FileRef:          ref,
		FileSize:         fileHeader.Size,
		UploadedBy:       auth.UserIDFromContext(ctx),
		OriginalFilename: &fileHeader.Filename,
		MimeType:         &contentType,
	}
	if doctorID := c.FormValue("doctor_id"); doctorID != "" {
		rec.DoctorID = &doctorID
	}
	if err := h.svc.Create(ctx, rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Dispatch(ctx, rec.ScanID, rec.ScanType, image); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"scan_id":         rec.ScanID,
		"patient_id":      rec.PatientID,
		"scan_type":       rec.ScanType,
		"status":          StatusProcessing,
		"ai_analysis_eta": "30-60 seconds",
		"upload_time":     rec.CreatedAt,
	})
}

// GetAnalysis returns one record with its analysis and review, if present.
// Patients may only read their own scans.
func (h *Handler) GetAnalysis(c echo.Context) error {
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, c.Param("scanId"))
	if err != nil {
		return httpError(err)
	}
	if auth.RoleFromContext(ctx) == "patient" && rec.PatientID != auth.UserIDFromContext(ctx) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return c.JSON(http.StatusOK, rec)
}

// List returns records matching the patient/status/type filters.
func (h *Handler) List(c echo.Context) error {
	f := Filter{
		PatientID: c.QueryParam("patient_id"),
		Status:    Status(c.QueryParam("status")),
		ScanType:  c.QueryParam("scan_type"),
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

// Retry resets a failed scan and dispatches it again using the stored image.
func (h *Handler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, c.Param("scanId"))
	if err != nil {
		return httpError(err)
	}
	image, err := h.blobs.Get(ctx, rec.FileRef)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stored scan image unavailable")
	}
	if err := h.svc.Retry(ctx, rec.ScanID, rec.ScanType, image); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scan_id": rec.ScanID,
		"status":  StatusProcessing,
	})
}

type reviewRequest struct {
	Notes    string `json:"notes"`
	Approved bool   `json:"approved"`
}

// Review records a doctor's assessment of a completed analysis.
func (h *Handler) Review(c echo.Context) error {
	ctx := c.Request().Context()
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	review := &DoctorReview{
		ReviewedBy: auth.UserIDFromContext(ctx),
		Notes:      req.Notes,
		Approved:   req.Approved,
	}
	if err := h.svc.Review(ctx, c.Param("scanId"), review); err != nil {
		return httpError(err)
	}
	rec, err := h.svc.Get(ctx, c.Param("scanId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type callbackRequest struct {
	ScanID string  `json:"scan_id"`
	Result *Result `json:"result"`
}

// AnalysisComplete is the worker callback ingress.
func (h *Handler) AnalysisComplete(c echo.Context) error {
	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ScanID == "" || req.Result == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "scan_id and result are required")
	}
	if err := h.svc.HandleResult(c.Request().Context(), req.ScanID, req.Result); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "analysis result processed"})
}

// WorkerStatus reports pipeline load.
func (h *Handler) WorkerStatus(c echo.Context) error {
	status, err := h.svc.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrMalformedResult):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
