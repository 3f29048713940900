package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository is a thread-safe in-memory Repository for tests and
// demo mode.
type InMemoryRepository struct {
	mu    sync.RWMutex
	items []*Notification // newest first
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

func (r *InMemoryRepository) Create(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n.ID = uuid.New()
	n.CreatedAt = time.Now().UTC()
	cp := *n
	r.items = append([]*Notification{&cp}, r.items...)
	return nil
}

func (r *InMemoryRepository) ListByAudiences(_ context.Context, audiences []string, limit, offset int) ([]*Notification, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]struct{}, len(audiences))
	for _, a := range audiences {
		want[a] = struct{}{}
	}

	var matched []*Notification
	for _, n := range r.items {
		if _, ok := want[n.Audience]; ok {
			cp := *n
			matched = append(matched, &cp)
		}
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *InMemoryRepository) MarkRead(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.items {
		if n.ID == id {
			n.Unread = false
			return nil
		}
	}
	return ErrNotFound
}

func (r *InMemoryRepository) UnreadCount(_ context.Context, audiences []string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]struct{}, len(audiences))
	for _, a := range audiences {
		want[a] = struct{}{}
	}

	count := 0
	for _, n := range r.items {
		if _, ok := want[n.Audience]; ok && n.Unread {
			count++
		}
	}
	return count, nil
}
