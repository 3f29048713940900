package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notification not found")

// Repository is the durable store for notifications.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	ListByAudiences(ctx context.Context, audiences []string, limit, offset int) ([]*Notification, int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	UnreadCount(ctx context.Context, audiences []string) (int, error)
}
