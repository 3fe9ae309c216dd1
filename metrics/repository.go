package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PGSource struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

const (
	retryTaskCountsSQL = `SELECT status, COUNT(*) FROM retry_tasks GROUP BY status`
	deliveryCountsSQL  = `SELECT status, COUNT(*) FROM message_deliveries GROUP BY status`
	dlqCountsSQL       = `SELECT channel, COUNT(*) FROM delivery_dlq GROUP BY channel`
	escrowTotalsSQL    = `SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM pending_funds GROUP BY status`
)

func (r *PGSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Escrow: map[string]Amount{}}
	var err error
	if snap.RetryTasks, err = r.counts(ctx, retryTaskCountsSQL); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: retry tasks: %w", err)
	}
	if snap.Deliveries, err = r.counts(ctx, deliveryCountsSQL); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: deliveries: %w", err)
	}
	if snap.DLQ, err = r.counts(ctx, dlqCountsSQL); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: dlq: %w", err)
	}

	rows, err := r.pool.Query(ctx, escrowTotalsSQL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: escrow: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			a      Amount
		)
		if err := rows.Scan(&status, &a.Count, &a.Total); err != nil {
			return Snapshot{}, fmt.Errorf("metrics: scan escrow: %w", err)
		}
		snap.Escrow[status] = a
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: escrow rows: %w", err)
	}
	return snap, nil
}

func (r *PGSource) counts(ctx context.Context, sql string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}
