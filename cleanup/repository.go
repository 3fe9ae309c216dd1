package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timeOutExecutingSQL = `
WITH stuck AS (
    SELECT id, started_at
    FROM retry_tasks
    WHERE status = 'executing' AND started_at < $1
    ORDER BY started_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE retry_tasks t
SET status = 'failed',
    error_code = 'TASK_TIMEOUT',
    last_error = 'task exceeded executing timeout',
    finished_at = $3,
    updated_at = $3
FROM stuck
WHERE t.id = stuck.id
RETURNING t.id, t.owner_id, COALESCE(t.payload->>'failedPayoutAlertId', ''), t.retry_count, stuck.started_at;
`

func (r *PGRepository) TimeOutExecuting(ctx context.Context, cutoff time.Time, limit int, at time.Time) ([]TimedOutTask, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: begin timeouts: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, timeOutExecutingSQL, cutoff, limit, at)
	if err != nil {
		return nil, fmt.Errorf("cleanup: time out executing: %w", err)
	}
	var tasks []TimedOutTask
	for rows.Next() {
		var t TimedOutTask
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.FailedPayoutID, &t.RetryCount, &t.StartedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanup: scan timed out task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup: timed out rows: %w", err)
	}

	for _, t := range tasks {
		if err := audit(ctx, tx, JobTimeouts, t.ID, "force_failed", map[string]any{
			"previous_status":  "executing",
			"error_code":       "TASK_TIMEOUT",
			"started_at":       t.StartedAt,
			"failed_at":        at,
			"retry_count":      t.RetryCount,
			"failed_payout_id": t.FailedPayoutID,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cleanup: commit timeouts: %w", err)
	}
	return tasks, nil
}

const deleteStaleSQL = `
WITH stale AS (
    SELECT id
    FROM retry_tasks
    WHERE status = 'scheduled' AND scheduled_at < $1 AND started_at IS NULL
    ORDER BY scheduled_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
DELETE FROM retry_tasks t
USING stale
WHERE t.id = stale.id
RETURNING t.id, t.owner_id, COALESCE(t.payload->>'failedPayoutAlertId', ''), t.scheduled_at;
`

// releaseStalePayoutSQL clears the scheduled flag on a failed payout whose
// pending task was deleted, so the record is visible to manual retry again.
const releaseStalePayoutSQL = `
UPDATE failed_payout_alerts
SET retry_scheduled = false, next_retry_at = NULL, updated_at = now()
WHERE id = $1 AND retry_task_id = $2 AND status NOT IN ('success','resolved');
`

func (r *PGRepository) DeleteStaleScheduled(ctx context.Context, cutoff time.Time, limit int) ([]StaleTask, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: begin stale: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, deleteStaleSQL, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("cleanup: delete stale: %w", err)
	}
	var tasks []StaleTask
	for rows.Next() {
		var t StaleTask
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.FailedPayoutID, &t.ScheduledAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanup: scan stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup: stale rows: %w", err)
	}

	for _, t := range tasks {
		if err := audit(ctx, tx, JobStale, t.ID, "deleted", map[string]any{
			"owner_id":         t.OwnerID,
			"scheduled_at":     t.ScheduledAt,
			"cutoff":           cutoff,
			"failed_payout_id": t.FailedPayoutID,
		}); err != nil {
			return nil, err
		}
		if t.FailedPayoutID == "" {
			continue
		}
		if _, err := tx.Exec(ctx, releaseStalePayoutSQL, t.FailedPayoutID, t.ID); err != nil {
			return nil, fmt.Errorf("cleanup: release stale payout: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cleanup: commit stale: %w", err)
	}
	return tasks, nil
}

// reconcileIndexSQL rewrites owner index rows whose id set differs from the
// owner's non-terminal tasks.
const reconcileIndexSQL = `
WITH truth AS (
    SELECT owner_id, array_agg(id ORDER BY id) AS ids
    FROM retry_tasks
    WHERE status IN ('scheduled','executing')
    GROUP BY owner_id
),
drift AS (
    SELECT i.provider_id, i.task_ids AS old_ids, COALESCE(t.ids, '{}'::text[]) AS new_ids
    FROM provider_task_index i
    LEFT JOIN truth t ON t.owner_id = i.provider_id
    WHERE NOT (i.task_ids @> COALESCE(t.ids, '{}'::text[]) AND i.task_ids <@ COALESCE(t.ids, '{}'::text[]))
    ORDER BY i.provider_id
    LIMIT $1
    FOR UPDATE OF i SKIP LOCKED
)
UPDATE provider_task_index p
SET task_ids = drift.new_ids, updated_at = now()
FROM drift
WHERE p.provider_id = drift.provider_id
RETURNING p.provider_id, drift.old_ids, drift.new_ids;
`

func (r *PGRepository) ReconcileIndex(ctx context.Context, limit int) ([]IndexRepair, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, reconcileIndexSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("cleanup: reconcile index: %w", err)
	}
	var repairs []IndexRepair
	for rows.Next() {
		var rep IndexRepair
		if err := rows.Scan(&rep.OwnerID, &rep.Before, &rep.After); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanup: scan repair: %w", err)
		}
		repairs = append(repairs, rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup: repair rows: %w", err)
	}

	for _, rep := range repairs {
		if err := audit(ctx, tx, JobIndex, rep.OwnerID, "index_rebuilt", map[string]any{
			"before": rep.Before,
			"after":  rep.After,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cleanup: commit reconcile: %w", err)
	}
	return repairs, nil
}

var purgeSQL = map[Target]string{
	TargetAuditLogs: `
DELETE FROM cleanup_audit_logs WHERE id IN (
    SELECT id FROM cleanup_audit_logs WHERE created_at < $1 ORDER BY created_at LIMIT $2
)`,
	TargetEscrowLogs: `
DELETE FROM escrow_logs WHERE id IN (
    SELECT id FROM escrow_logs WHERE created_at < $1 ORDER BY created_at LIMIT $2
)`,
	TargetReadAlerts: `
DELETE FROM admin_alerts WHERE id IN (
    SELECT id FROM admin_alerts WHERE read AND created_at < $1 ORDER BY created_at LIMIT $2
)`,
	TargetDLQ: `
DELETE FROM delivery_dlq WHERE id IN (
    SELECT id FROM delivery_dlq WHERE moved_at < $1 ORDER BY moved_at LIMIT $2
)`,
}

func (r *PGRepository) Purge(ctx context.Context, target Target, cutoff time.Time, limit int) (int, error) {
	query, ok := purgeSQL[target]
	if !ok {
		return 0, fmt.Errorf("cleanup: unknown retention target %q", target)
	}
	tag, err := r.pool.Exec(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup: purge %s: %w", target, err)
	}
	return int(tag.RowsAffected()), nil
}

// Anonymize clears recipients on settled deliveries last touched before
// cutoff.
func (r *PGRepository) Anonymize(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const updateSQL = `
UPDATE message_deliveries SET recipient = NULL
WHERE id IN (
    SELECT id FROM message_deliveries
    WHERE recipient IS NOT NULL
      AND status IN ('sent','permanently_failed','moved_to_dlq')
      AND updated_at < $1
    ORDER BY updated_at
    LIMIT $2
)`
	tag, err := r.pool.Exec(ctx, updateSQL, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup: anonymize: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func audit(ctx context.Context, tx pgx.Tx, job, targetID, action string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("cleanup: marshal audit: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO cleanup_audit_logs (job, target_id, action, details) VALUES ($1, $2, $3, $4::jsonb)`,
		job, targetID, action, payload); err != nil {
		return fmt.Errorf("cleanup: insert audit: %w", err)
	}
	return nil
}
