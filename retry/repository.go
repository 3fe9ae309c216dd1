package retry

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
	// ErrTaskNotFound is returned when no retry task exists for the id.
	ErrTaskNotFound = errors.New("retry: task not found")
	// ErrFailedPayoutNotFound is returned when the referenced failure record is gone.
	ErrFailedPayoutNotFound = errors.New("retry: failed payout not found")
	// ErrStaleTransition is returned when a conditional status update matched no row.
	ErrStaleTransition = errors.New("retry: task not in expected status")
)

// Repository is the storage the scheduler needs.
type Repository interface {
	InsertTask(ctx context.Context, task Task) (bool, Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ClaimTask(ctx context.Context, id string, at time.Time) (Task, bool, error)
	FinishTask(ctx context.Context, id string, to TaskStatus, lastError, code string, at time.Time) error
	RequeueTask(ctx context.Context, id string, at time.Time) error
	DeleteScheduled(ctx context.Context, id string) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, redeliverAfter time.Duration) ([]Task, error)
	HighestPendingRetry(ctx context.Context, operationKey string) (int, bool, error)
	AppendOwnerIndex(ctx context.Context, ownerID, taskID string) error

	InsertFailedPayout(ctx context.Context, fp FailedPayout) error
	GetFailedPayout(ctx context.Context, id string) (FailedPayout, error)
	MarkRetryScheduled(ctx context.Context, id, taskID string, retryCount int, at time.Time) error
	MarkPayoutFailed(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error
	MarkMaxRetries(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error
	ResolvePayout(ctx context.Context, params ResolveParams) error
}

// PGRepository implements Repository against retry_tasks, failed_payout_alerts,
// payout_orders and provider_task_index.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const taskColumns = `id, operation_key, owner_id, payload, retry_count, max_retries, status,
       scheduled_at, dispatched_at, started_at, finished_at,
       COALESCE(last_error, ''), COALESCE(error_code, ''), created_at, updated_at`

// InsertTask stores task unless a task with the same id exists, in which case
// the stored task is returned with inserted=false.
func (r *PGRepository) InsertTask(ctx context.Context, task Task) (bool, Task, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return false, Task{}, fmt.Errorf("retry: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO retry_tasks (id, operation_key, owner_id, payload, retry_count, max_retries, status, scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $9)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, insertSQL, task.ID, task.OperationKey, task.OwnerID, payload,
		task.RetryCount, task.MaxRetries, string(task.Status), task.ScheduledAt, task.CreatedAt)
	if err != nil {
		return false, Task{}, fmt.Errorf("retry: insert task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, task, nil
	}

	existing, err := r.GetTask(ctx, task.ID)
	if err != nil {
		return false, Task{}, err
	}
	return false, existing, nil
}

func (r *PGRepository) GetTask(ctx context.Context, id string) (Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM retry_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("retry: get task: %w", err)
	}
	return task, nil
}

// ClaimTask moves a scheduled task to executing. ok is false when another
// delivery got there first.
func (r *PGRepository) ClaimTask(ctx context.Context, id string, at time.Time) (Task, bool, error) {
	const claimSQL = `
UPDATE retry_tasks
SET status = 'executing', started_at = $2, updated_at = $2
WHERE id = $1 AND status = 'scheduled'
RETURNING ` + taskColumns

	task, err := scanTask(r.pool.QueryRow(ctx, claimSQL, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("retry: claim task: %w", err)
	}
	return task, true, nil
}

// FinishTask moves an executing task to a terminal status.
func (r *PGRepository) FinishTask(ctx context.Context, id string, to TaskStatus, lastError, code string, at time.Time) error {
	if err := ValidateTaskTransition(TaskExecuting, to); err != nil {
		return err
	}
	const finishSQL = `
UPDATE retry_tasks
SET status = $2, last_error = NULLIF($3, ''), error_code = NULLIF($4, ''), finished_at = $5, updated_at = $5
WHERE id = $1 AND status = 'executing';
`
	tag, err := r.pool.Exec(ctx, finishSQL, id, string(to), lastError, code, at)
	if err != nil {
		return fmt.Errorf("retry: finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RequeueTask hands an executing task back to the poller.
func (r *PGRepository) RequeueTask(ctx context.Context, id string, at time.Time) error {
	const requeueSQL = `
UPDATE retry_tasks
SET status = 'scheduled', scheduled_at = $2, dispatched_at = NULL, started_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'executing';
`
	tag, err := r.pool.Exec(ctx, requeueSQL, id, at)
	if err != nil {
		return fmt.Errorf("retry: requeue task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *PGRepository) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, fmt.Errorf("retry: delete task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue marks up to limit due tasks as dispatched and returns them. A task
// dispatched longer than redeliverAfter ago without being claimed is returned
// again, which covers callbacks lost in transit.
func (r *PGRepository) ClaimDue(ctx context.Context, now time.Time, limit int, redeliverAfter time.Duration) ([]Task, error) {
	const claimSQL = `
WITH due AS (
    SELECT id FROM retry_tasks
    WHERE status = 'scheduled'
      AND scheduled_at <= $1
      AND (dispatched_at IS NULL OR dispatched_at < $1 - ($3::bigint * interval '1 millisecond'))
    ORDER BY scheduled_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE retry_tasks t
SET dispatched_at = $1, updated_at = $1
FROM due
WHERE t.id = due.id
RETURNING t.id, t.operation_key, t.owner_id, t.payload, t.retry_count, t.max_retries, t.status,
          t.scheduled_at, t.dispatched_at, t.started_at, t.finished_at,
          COALESCE(t.last_error, ''), COALESCE(t.error_code, ''), t.created_at, t.updated_at;
`
	rows, err := r.pool.Query(ctx, claimSQL, now, limit, redeliverAfter.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("retry: claim due: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("retry: scan due: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// HighestPendingRetry returns the largest retry count among non-terminal
// tasks of an operation.
func (r *PGRepository) HighestPendingRetry(ctx context.Context, operationKey string) (int, bool, error) {
	var highest *int
	err := r.pool.QueryRow(ctx, `
SELECT MAX(retry_count) FROM retry_tasks
WHERE operation_key = $1 AND status IN ('scheduled','executing')`, operationKey).Scan(&highest)
	if err != nil {
		return 0, false, fmt.Errorf("retry: highest pending retry: %w", err)
	}
	if highest == nil {
		return 0, false, nil
	}
	return *highest, true, nil
}

func (r *PGRepository) AppendOwnerIndex(ctx context.Context, ownerID, taskID string) error {
	const upsertSQL = `
INSERT INTO provider_task_index (provider_id, task_ids, updated_at)
VALUES ($1, ARRAY[$2::text], now())
ON CONFLICT (provider_id) DO UPDATE
SET task_ids = CASE
        WHEN $2 = ANY(provider_task_index.task_ids) THEN provider_task_index.task_ids
        ELSE array_append(provider_task_index.task_ids, $2)
    END,
    updated_at = now();
`
	if _, err := r.pool.Exec(ctx, upsertSQL, ownerID, taskID); err != nil {
		return fmt.Errorf("retry: append owner index: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertFailedPayout(ctx context.Context, fp FailedPayout) error {
	const insertSQL = `
INSERT INTO failed_payout_alerts (id, order_id, provider_id, payout_destination, amount, currency, status, retry_count, last_retry_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $10)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, insertSQL, fp.ID, fp.OrderID, fp.ProviderID, fp.PayoutDestination,
		fp.Amount, fp.Currency, string(fp.Status), fp.RetryCount, fp.LastRetryError, fp.CreatedAt); err != nil {
		return fmt.Errorf("retry: insert failed payout: %w", err)
	}
	return nil
}

func (r *PGRepository) GetFailedPayout(ctx context.Context, id string) (FailedPayout, error) {
	const selectSQL = `
SELECT id, order_id, provider_id, payout_destination, amount, currency, status, retry_count,
       retry_scheduled, COALESCE(retry_task_id, ''), next_retry_at, COALESCE(last_retry_error, ''),
       COALESCE(payout_batch_id, ''), resolved_at, created_at
FROM failed_payout_alerts
WHERE id = $1;
`
	var fp FailedPayout
	err := r.pool.QueryRow(ctx, selectSQL, id).Scan(
		&fp.ID, &fp.OrderID, &fp.ProviderID, &fp.PayoutDestination, &fp.Amount, &fp.Currency, &fp.Status,
		&fp.RetryCount, &fp.RetryScheduled, &fp.RetryTaskID, &fp.NextRetryAt, &fp.LastRetryError,
		&fp.PayoutBatchID, &fp.ResolvedAt, &fp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FailedPayout{}, ErrFailedPayoutNotFound
		}
		return FailedPayout{}, fmt.Errorf("retry: get failed payout: %w", err)
	}
	return fp, nil
}

func (r *PGRepository) MarkRetryScheduled(ctx context.Context, id, taskID string, retryCount int, at time.Time) error {
	const updateSQL = `
UPDATE failed_payout_alerts
SET retry_scheduled = true, retry_task_id = $2, next_retry_at = $3,
    retry_count = GREATEST(retry_count, $4), updated_at = now()
WHERE id = $1 AND status NOT IN ('success','resolved');
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, taskID, at, retryCount); err != nil {
		return fmt.Errorf("retry: mark retry scheduled: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkPayoutFailed(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error {
	const updateSQL = `
UPDATE failed_payout_alerts
SET status = 'failed', retry_count = GREATEST(retry_count, $2), last_retry_error = $3,
    retry_scheduled = false, updated_at = $4
WHERE id = $1 AND status NOT IN ('success','resolved');
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, retryCount, lastError, at); err != nil {
		return fmt.Errorf("retry: mark payout failed: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkMaxRetries(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error {
	const updateSQL = `
UPDATE failed_payout_alerts
SET status = 'max_retries_reached', retry_count = GREATEST(retry_count, $2), last_retry_error = $3,
    retry_scheduled = false, next_retry_at = NULL, updated_at = $4
WHERE id = $1 AND status NOT IN ('success','resolved');
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, retryCount, lastError, at); err != nil {
		return fmt.Errorf("retry: mark max retries: %w", err)
	}
	return nil
}

// ResolvePayout settles the failure record and the order in one transaction.
func (r *PGRepository) ResolvePayout(ctx context.Context, params ResolveParams) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("retry: begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	status := PayoutSuccess
	if params.Method != "" && params.Method != MethodAutomaticRetry {
		status = PayoutResolved
	}

	const alertSQL = `
UPDATE failed_payout_alerts
SET status = $2, payout_batch_id = $3, retry_count = GREATEST(retry_count, $4),
    retry_scheduled = false, next_retry_at = NULL,
    resolved_method = $5, resolved_by = NULLIF($6, ''), resolved_at = $7, updated_at = $7
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, alertSQL, params.FailedPayoutID, string(status), params.BatchID, params.RetryCount,
		params.Method, params.ResolvedBy, params.At)
	if err != nil {
		return fmt.Errorf("retry: resolve failed payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFailedPayoutNotFound
	}

	const orderSQL = `
UPDATE payout_orders
SET transfer_status = 'completed', payout_batch_id = $2, transfer_completed_at = $3, updated_at = $3
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, orderSQL, params.OrderID, params.BatchID, params.At); err != nil {
		return fmt.Errorf("retry: update payout order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("retry: commit resolve: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task    Task
		payload []byte
	)
	err := row.Scan(
		&task.ID,
		&task.OperationKey,
		&task.OwnerID,
		&payload,
		&task.RetryCount,
		&task.MaxRetries,
		&task.Status,
		&task.ScheduledAt,
		&task.DispatchedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.LastError,
		&task.ErrorCode,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			return Task{}, fmt.Errorf("retry: decode payload: %w", err)
		}
	}
	return task, nil
}
