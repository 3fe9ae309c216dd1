package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// mutableTables lists everything an epoch writes, children before parents.
var mutableTables = []string{
	"stress_payout_calls",
	"stress_lock_sections",
	"cleanup_audit_logs",
	"delivery_dlq",
	"message_deliveries",
	"message_events",
	"escrow_reports",
	"escrow_logs",
	"forfeited_funds",
	"pending_funds",
	"provider_task_index",
	"retry_tasks",
	"failed_payout_alerts",
	"payout_orders",
	"admin_alerts",
	"locks",
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range mutableTables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
