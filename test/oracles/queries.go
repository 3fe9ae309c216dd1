package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// Limits carries the retry budgets the actors were configured with.
type Limits struct {
	DeliveryMaxRetries int
}

func All(l Limits) []Oracle {
	return []Oracle{
		{
			Name: "O1_lock_sections_disjoint",
			SQL: `SELECT a.lock_key, a.holder_id, b.holder_id FROM stress_lock_sections a
                  JOIN stress_lock_sections b
                    ON b.lock_key = a.lock_key AND b.id > a.id
                   AND b.entered_at < a.left_at AND a.entered_at < b.left_at`,
		},
		{
			Name: "O2_single_successful_payout",
			SQL: `SELECT order_id, COUNT(DISTINCT idempotency_key) FROM stress_payout_calls
                  WHERE succeeded
                  GROUP BY order_id HAVING COUNT(DISTINCT idempotency_key) > 1`,
		},
		{
			Name: "O3_retry_chain_within_budget",
			SQL:  `SELECT id, retry_count, max_retries FROM retry_tasks WHERE retry_count >= max_retries`,
		},
		{
			Name: "O4_one_open_task_per_chain",
			SQL: `SELECT operation_key, COUNT(*) FROM retry_tasks
                  WHERE status = 'scheduled'
                  GROUP BY operation_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_settled_payout_completes_order",
			SQL: `SELECT f.id, o.transfer_status FROM failed_payout_alerts f
                  JOIN payout_orders o ON o.id = f.order_id
                  WHERE f.status IN ('success','resolved') AND o.transfer_status <> 'completed'`,
		},
		{
			Name: "O6_single_escalation_alert",
			SQL: `SELECT details->>'failedPayoutAlertId', COUNT(*) FROM admin_alerts
                  WHERE type = 'payout_max_retries'
                  GROUP BY details->>'failedPayoutAlertId' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_forfeiture_linkage",
			SQL: `SELECT p.id AS any FROM pending_funds p
                  WHERE p.status IN ('forfeited','claimed_after_forfeiture')
                    AND NOT EXISTS (SELECT 1 FROM forfeited_funds f WHERE f.original_record_id = p.id)
                  UNION ALL
                  SELECT f.id AS any FROM forfeited_funds f
                  JOIN pending_funds p ON p.id = f.original_record_id
                  WHERE p.status NOT IN ('forfeited','claimed_after_forfeiture')`,
		},
		{
			Name: "O8_dlq_linkage",
			SQL: `SELECT d.id AS any FROM message_deliveries d
                  WHERE d.status = 'moved_to_dlq'
                    AND NOT EXISTS (SELECT 1 FROM delivery_dlq q WHERE q.id = d.id)
                  UNION ALL
                  SELECT q.id AS any FROM delivery_dlq q
                  JOIN message_deliveries d ON d.id = q.id
                  WHERE d.status <> 'moved_to_dlq'`,
		},
		{
			Name: "O9_delivery_retry_budget",
			SQL:  fmt.Sprintf(`SELECT id, retry_count FROM message_deliveries WHERE retry_count > %d`, l.DeliveryMaxRetries),
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, l Limits) (string, string, error) {
	for _, o := range All(l) {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
