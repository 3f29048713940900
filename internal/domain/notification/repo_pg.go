package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a Postgres-backed Repository on the notification table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification (id, audience, type, title, message, scan_id, unread)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.Audience, n.Type, n.Title, n.Message, n.ScanID, n.Unread)
	return err
}

func (r *repoPG) ListByAudiences(ctx context.Context, audiences []string, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification WHERE audience = ANY($1)`, audiences).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, audience, type, title, message, scan_id, unread, created_at
		FROM notification WHERE audience = ANY($1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		audiences, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Audience, &n.Type, &n.Title, &n.Message, &n.ScanID, &n.Unread, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notification SET unread = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UnreadCount(ctx context.Context, audiences []string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification WHERE audience = ANY($1) AND unread`, audiences).Scan(&n)
	return n, err
}
