// Package notify defines the notification fan-out contract: typed events
// addressed to an audience, delivered best-effort to whatever transports are
// attached. Delivery failure is logged and never propagated back into the
// scan lifecycle.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the scan pipeline.
const (
	EventScanUploaded     = "scan_uploaded"
	EventAnalysisComplete = "analysis_complete"
	EventReviewRequired   = "review_required"
	EventAnalysisReviewed = "analysis_reviewed"
)

// Audience topics. A patient audience addresses a single patient's channel;
// AudienceDoctors addresses the whole doctor pool.
const AudienceDoctors = "doctors"

// PatientAudience returns the audience topic for one patient.
func PatientAudience(patientID string) string { return "patient:" + patientID }

// DoctorAudience returns the audience topic for one assigned doctor.
func DoctorAudience(doctorID string) string { return "doctor:" + doctorID }

// Event is an ephemeral fan-out message. It is not persisted by the router
// itself; durable storage, when wanted, is just another attached transport.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Audience  string          `json:"audience"`
	ScanID    string          `json:"scan_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event with an assigned ID and timestamp. The payload is
// marshalled here so publishers hand over plain structs or maps.
func NewEvent(eventType, audience, scanID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Audience:  audience,
		ScanID:    scanID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Router delivers events to all currently subscribed recipients of the
// event's audience. Delivery to zero recipients is not an error. Events for
// the same scan ID are delivered in publish order; no ordering is implied
// across scan IDs.
type Router interface {
	Publish(ctx context.Context, event Event) error
}

// Multi fans one publish out to several routers, logging per-router failures
// and never returning them: a durable store failing must not block the push
// transport and vice versa.
type Multi struct {
	routers []Router
	logger  zerolog.Logger
}

// NewMulti creates a composite router over the given transports.
func NewMulti(logger zerolog.Logger, routers ...Router) *Multi {
	return &Multi{routers: routers, logger: logger}
}

func (m *Multi) Publish(ctx context.Context, event Event) error {
	for _, r := range m.routers {
		if err := r.Publish(ctx, event); err != nil {
			m.logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("event_type", event.Type).
				Str("audience", event.Audience).
				Str("scan_id", event.ScanID).
				Msg("notification delivery failed")
		}
	}
	return nil
}

// Recorder is a test double that captures published events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// FailWith, when set, is returned from Publish after recording.
	FailWith error
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.FailWith
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events matching the given type.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
