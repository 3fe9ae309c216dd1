package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRecordNotFound = errors.New("delivery: record not found")
	ErrEventNotFound  = errors.New("delivery: event not found")
)

type Repository interface {
	ListFailed(ctx context.Context, since, due time.Time, limit int) ([]Record, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	InsertEvent(ctx context.Context, ev Event) (bool, error)
	MarkRetrying(ctx context.Context, id string, expectedCount int, nextRetryAt, at time.Time) (bool, error)
	MarkPermanentlyFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	MoveToDLQ(ctx context.Context, rec Record, reason string, at time.Time) (bool, error)
	UpsertAttempt(ctx context.Context, rec Record) error
	Stats(ctx context.Context) (DLQStats, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `id, event_id, channel, COALESCE(recipient, ''), retry_count, status, next_retry_at, COALESCE(last_error, ''), created_at, updated_at`

// ListFailed returns failed deliveries updated since since whose next retry
// is unset or not after due.
func (r *PGRepository) ListFailed(ctx context.Context, since, due time.Time, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + `
FROM message_deliveries
WHERE status = 'failed' AND updated_at >= $1
  AND (next_retry_at IS NULL OR next_retry_at <= $2)
ORDER BY updated_at
LIMIT $3`
	rows, err := r.pool.Query(ctx, query, since, due, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: list failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("delivery: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetRecord(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM message_deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("delivery: get record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetEvent(ctx context.Context, id string) (Event, error) {
	const query = `
SELECT id, event_type, owner_id, payload, force_channels, dedupe_key, COALESCE(retry_of_delivery_id, ''), created_at
FROM message_events
WHERE id = $1`
	var (
		ev       Event
		payload  []byte
		channels []string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&ev.ID, &ev.EventType, &ev.OwnerID, &payload, &channels, &ev.DedupeKey, &ev.RetryOfDeliveryID, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, fmt.Errorf("delivery: get event: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return Event{}, fmt.Errorf("delivery: decode event payload: %w", err)
		}
	}
	for _, c := range channels {
		ev.ForceChannels = append(ev.ForceChannels, Channel(c))
	}
	return ev, nil
}

// InsertEvent stores ev unless its dedupe key was already used.
func (r *PGRepository) InsertEvent(ctx context.Context, ev Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("delivery: marshal event payload: %w", err)
	}
	channels := make([]string, 0, len(ev.ForceChannels))
	for _, c := range ev.ForceChannels {
		channels = append(channels, string(c))
	}

	const insertSQL = `
INSERT INTO message_events (id, event_type, owner_id, payload, force_channels, dedupe_key, retry_of_delivery_id, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, NULLIF($7, ''), $8)
ON CONFLICT (dedupe_key) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, insertSQL, ev.ID, ev.EventType, ev.OwnerID, payload, channels, ev.DedupeKey, ev.RetryOfDeliveryID, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("delivery: insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRetrying bumps the retry count only if nobody else did since the
// record was read.
func (r *PGRepository) MarkRetrying(ctx context.Context, id string, expectedCount int, nextRetryAt, at time.Time) (bool, error) {
	const updateSQL = `
UPDATE message_deliveries
SET status = 'retrying', retry_count = retry_count + 1, next_retry_at = $3, updated_at = $4
WHERE id = $1 AND retry_count = $2 AND status IN ('failed','retrying');
`
	tag, err := r.pool.Exec(ctx, updateSQL, id, expectedCount, nextRetryAt, at)
	if err != nil {
		return false, fmt.Errorf("delivery: mark retrying: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) MarkPermanentlyFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const updateSQL = `
UPDATE message_deliveries
SET status = 'permanently_failed', last_error = $2, next_retry_at = NULL, updated_at = $3
WHERE id = $1 AND status IN ('failed','retrying');
`
	tag, err := r.pool.Exec(ctx, updateSQL, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("delivery: mark permanently failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MoveToDLQ copies rec into delivery_dlq and flags the original in one
// transaction. The DLQ row is keyed by the delivery id, so a record is moved
// at most once.
func (r *PGRepository) MoveToDLQ(ctx context.Context, rec Record, reason string, at time.Time) (bool, error) {
	snapshot, err := json.Marshal(recordSnapshot(rec))
	if err != nil {
		return false, fmt.Errorf("delivery: marshal dlq record: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("delivery: begin dlq move: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE message_deliveries
SET status = 'moved_to_dlq', next_retry_at = NULL, updated_at = $2
WHERE id = $1 AND status = 'failed'`, rec.ID, at)
	if err != nil {
		return false, fmt.Errorf("delivery: flag moved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
INSERT INTO delivery_dlq (id, channel, record, reason, moved_at)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (id) DO NOTHING`, rec.ID, string(rec.Channel), snapshot, reason, at)
	if err != nil {
		return false, fmt.Errorf("delivery: insert dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("delivery: commit dlq move: %w", err)
	}
	return true, nil
}

func (r *PGRepository) UpsertAttempt(ctx context.Context, rec Record) error {
	const upsertSQL = `
INSERT INTO message_deliveries (id, event_id, channel, recipient, retry_count, status, last_error, created_at, updated_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $8)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    last_error = EXCLUDED.last_error,
    recipient = COALESCE(EXCLUDED.recipient, message_deliveries.recipient),
    updated_at = EXCLUDED.updated_at
WHERE message_deliveries.status NOT IN ('moved_to_dlq','permanently_failed','sent');
`
	if _, err := r.pool.Exec(ctx, upsertSQL, rec.ID, rec.EventID, string(rec.Channel), rec.Recipient,
		rec.RetryCount, string(rec.Status), rec.LastError, rec.UpdatedAt); err != nil {
		return fmt.Errorf("delivery: upsert attempt: %w", err)
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context) (DLQStats, error) {
	stats := DLQStats{ByChannel: map[Channel]int{}}

	rows, err := r.pool.Query(ctx, `SELECT channel, COUNT(*), MIN(moved_at) FROM delivery_dlq GROUP BY channel`)
	if err != nil {
		return DLQStats{}, fmt.Errorf("delivery: dlq stats: %w", err)
	}
	for rows.Next() {
		var (
			channel string
			count   int
			oldest  time.Time
		)
		if err := rows.Scan(&channel, &count, &oldest); err != nil {
			rows.Close()
			return DLQStats{}, fmt.Errorf("delivery: scan dlq stats: %w", err)
		}
		stats.ByChannel[Channel(channel)] = count
		stats.Total += count
		if stats.OldestMovedAt == nil || oldest.Before(*stats.OldestMovedAt) {
			o := oldest
			stats.OldestMovedAt = &o
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DLQStats{}, fmt.Errorf("delivery: dlq stats rows: %w", err)
	}

	const statusSQL = `
SELECT
    COUNT(*) FILTER (WHERE status = 'failed'),
    COUNT(*) FILTER (WHERE status = 'retrying'),
    COUNT(*) FILTER (WHERE status = 'permanently_failed')
FROM message_deliveries`
	if err := r.pool.QueryRow(ctx, statusSQL).Scan(&stats.PendingFailed, &stats.Retrying, &stats.PermanentlyFailed); err != nil {
		return DLQStats{}, fmt.Errorf("delivery: status counts: %w", err)
	}
	return stats, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.EventID, &rec.Channel, &rec.Recipient, &rec.RetryCount, &rec.Status,
		&rec.NextRetryAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func recordSnapshot(rec Record) map[string]any {
	m := map[string]any{
		"id":          rec.ID,
		"event_id":    rec.EventID,
		"channel":     string(rec.Channel),
		"recipient":   rec.Recipient,
		"retry_count": rec.RetryCount,
		"status":      string(rec.Status),
		"last_error":  rec.LastError,
		"created_at":  rec.CreatedAt.UTC(),
		"updated_at":  rec.UpdatedAt.UTC(),
	}
	if rec.NextRetryAt != nil {
		m["next_retry_at"] = rec.NextRetryAt.UTC()
	}
	return m
}
