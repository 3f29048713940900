package notification

import (
	"time"

	"github.com/google/uuid"
)

// Notification maps to the notification table: one delivered (or pending
// pickup) message for one audience. This is the polling channel for clients
// that were offline when the push fan-out happened.
type Notification struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Audience  string    `db:"audience" json:"audience"`
	Type      string    `db:"type" json:"type"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	ScanID    string    `db:"scan_id" json:"scan_id,omitempty"`
	Unread    bool      `db:"unread" json:"unread"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
