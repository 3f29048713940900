package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scanhub/scanhub/internal/platform/notify"
)

// Service persists fan-out events as readable notifications and serves the
// polling endpoints. It implements notify.Router, so it attaches to the
// pipeline the same way the push transport does.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Publish implements notify.Router by storing the event for later pickup.
func (s *Service) Publish(ctx context.Context, event notify.Event) error {
	title, message := renderEvent(event)
	return s.repo.Create(ctx, &Notification{
		Audience: event.Audience,
		Type:     event.Type,
		Title:    title,
		Message:  message,
		ScanID:   event.ScanID,
		Unread:   true,
	})
}

// renderEvent turns a pipeline event into a short human-readable headline
// and body for portal inboxes.
func renderEvent(event notify.Event) (title, message string) {
	var payload struct {
		ScanType   string  `json:"scan_type"`
		Confidence float64 `json:"confidence"`
		Priority   string  `json:"priority"`
		Approved   bool    `json:"approved"`
	}
	_ = json.Unmarshal(event.Payload, &payload)

	switch event.Type {
	case notify.EventScanUploaded:
		return "New scan uploaded",
			fmt.Sprintf("A %s scan (%s) was uploaded and queued for analysis.", payload.ScanType, event.ScanID)
	case notify.EventAnalysisComplete:
		return "Scan analysis complete",
			fmt.Sprintf("Analysis of scan %s finished with confidence %.2f.", event.ScanID, payload.Confidence)
	case notify.EventReviewRequired:
		return "Doctor review required",
			fmt.Sprintf("Scan %s needs review (priority: %s).", event.ScanID, payload.Priority)
	case notify.EventAnalysisReviewed:
		verdict := "rejected"
		if payload.Approved {
			verdict = "approved"
		}
		return "Analysis reviewed",
			fmt.Sprintf("A doctor has %s the analysis of scan %s.", verdict, event.ScanID)
	default:
		return event.Type, fmt.Sprintf("Update for scan %s.", event.ScanID)
	}
}

// List returns notifications visible to the given audiences, newest first.
func (s *Service) List(ctx context.Context, audiences []string, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByAudiences(ctx, audiences, limit, offset)
}
