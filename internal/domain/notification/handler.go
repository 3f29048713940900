package notification

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scanhub/scanhub/internal/platform/auth"
	"github.com/scanhub/scanhub/internal/platform/notify"
	"github.com/scanhub/scanhub/pkg/pagination"
)

// Handler exposes the notification polling endpoints.
type Handler struct {
	svc  *Service
	repo Repository
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, repo Repository) *Handler {
	return &Handler{svc: svc, repo: repo}
}

// RegisterRoutes registers the authenticated notification API.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/unread-count", h.UnreadCount)
	api.POST("/notifications/:id/read", h.MarkRead)
}

// audiencesFor maps the caller's identity onto the audience topics they may
// read: their personal channel plus, for doctors, the shared pool.
func audiencesFor(c echo.Context) []string {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)

	switch auth.RoleFromContext(ctx) {
	case "patient":
		return []string{notify.PatientAudience(userID)}
	case "doctor":
		return []string{notify.DoctorAudience(userID), notify.AudienceDoctors}
	case "hospital":
		return []string{notify.AudienceDoctors}
	case "admin":
		return []string{notify.PatientAudience(userID), notify.DoctorAudience(userID), notify.AudienceDoctors}
	default:
		return nil
	}
}

// List handles GET /notifications.
func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), audiencesFor(c), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

// UnreadCount handles GET /notifications/unread-count.
func (h *Handler) UnreadCount(c echo.Context) error {
	n, err := h.repo.UnreadCount(c.Request().Context(), audiencesFor(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": n})
}

// MarkRead handles POST /notifications/:id/read.
func (h *Handler) MarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	if err := h.repo.MarkRead(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
