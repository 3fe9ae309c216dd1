package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("alert: not found")

// PGRepository stores alerts in the admin_alerts table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert stores a; re-inserting an existing id is a no-op.
func (r *PGRepository) Insert(ctx context.Context, a Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("alert: marshal details: %w", err)
	}

	const insertSQL = `
INSERT INTO admin_alerts (id, type, priority, title, message, details, requires_action, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, insertSQL, a.ID, a.Type, string(a.Priority), a.Title, a.Message, details, a.RequiresAction, a.Read, a.CreatedAt); err != nil {
		return fmt.Errorf("alert: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) ListUnread(ctx context.Context, limit int) ([]Alert, error) {
	const query = `
SELECT id, type, priority, title, message, details, requires_action, read, created_at
FROM admin_alerts
WHERE read = false
ORDER BY created_at DESC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("alert: list unread: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a       Alert
			details []byte
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Priority, &a.Title, &a.Message, &details, &a.RequiresAction, &a.Read, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("alert: scan: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("alert: decode details: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkRead(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE admin_alerts SET read = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("alert: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
