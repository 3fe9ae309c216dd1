package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrForfeitedNotFound = errors.New("escrow: forfeited record not found")

type Repository interface {
	ListOpen(ctx context.Context, after Cursor, limit int) ([]PendingFund, error)
	AppendReminder(ctx context.Context, id string, day int, at time.Time) (bool, error)
	Escalate(ctx context.Context, id string, at time.Time) (bool, error)
	Forfeit(ctx context.Context, ff ForfeitedFund) (bool, error)
	ExpireClaims(ctx context.Context, now time.Time) (int, error)
	ExpireClaim(ctx context.Context, id string) (bool, error)
	GetForfeited(ctx context.Context, id string) (ForfeitedFund, error)
	ApproveClaim(ctx context.Context, a ClaimApproval) (bool, error)
	InsertLog(ctx context.Context, recordID, action string, details map[string]any) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
	PendingTotal(ctx context.Context) (int64, error)
	SaveReport(ctx context.Context, day time.Time, report any) error
}

// Cursor is a keyset position over open records.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ListOpen(ctx context.Context, after Cursor, limit int) ([]PendingFund, error) {
	const query = `
SELECT id, owner_id, amount, currency, status, reason, reminders_sent, escalated_at, forfeited_at,
       COALESCE(source_forfeited_id, ''), created_at
FROM pending_funds
WHERE status IN ('pending','escalated')
  AND (created_at, id) > ($1, $2)
ORDER BY created_at, id
LIMIT $3`
	rows, err := r.pool.Query(ctx, query, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list open: %w", err)
	}
	defer rows.Close()

	var out []PendingFund
	for rows.Next() {
		var (
			p    PendingFund
			sent []int32
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Amount, &p.Currency, &p.Status, &p.Reason, &sent,
			&p.EscalatedAt, &p.ForfeitedAt, &p.SourceForfeitedID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan pending fund: %w", err)
		}
		for _, d := range sent {
			p.RemindersSent = append(p.RemindersSent, int(d))
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendReminder records that the day's reminder went out. It is a no-op if
// the day is already recorded or the record left the pending state.
func (r *PGRepository) AppendReminder(ctx context.Context, id string, day int, at time.Time) (bool, error) {
	const updateSQL = `
UPDATE pending_funds
SET reminders_sent = array_append(reminders_sent, $2::int), updated_at = $3
WHERE id = $1 AND status = 'pending' AND NOT ($2::int = ANY(reminders_sent));
`
	tag, err := r.pool.Exec(ctx, updateSQL, id, day, at)
	if err != nil {
		return false, fmt.Errorf("escrow: append reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) Escalate(ctx context.Context, id string, at time.Time) (bool, error) {
	const updateSQL = `
UPDATE pending_funds
SET status = 'escalated', escalated_at = $2, updated_at = $2
WHERE id = $1 AND status = 'pending' AND escalated_at IS NULL;
`
	tag, err := r.pool.Exec(ctx, updateSQL, id, at)
	if err != nil {
		return false, fmt.Errorf("escrow: escalate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Forfeit flips the original record and creates its forfeited counterpart
// in one transaction. The unique original_record_id keeps it to one
// forfeited record per original.
func (r *PGRepository) Forfeit(ctx context.Context, ff ForfeitedFund) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("escrow: begin forfeit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE pending_funds
SET status = 'forfeited', forfeited_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('pending','escalated')`, ff.OriginalRecordID, ff.ForfeitedAt)
	if err != nil {
		return false, fmt.Errorf("escrow: flag forfeited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
INSERT INTO forfeited_funds (id, original_record_id, owner_id, amount, currency, forfeited_at, exceptional_claim_deadline)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (original_record_id) DO NOTHING`,
		ff.ID, ff.OriginalRecordID, ff.OwnerID, ff.Amount, ff.Currency, ff.ForfeitedAt, ff.ExceptionalClaimDeadline)
	if err != nil {
		return false, fmt.Errorf("escrow: insert forfeited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertLog(ctx, tx, ff.OriginalRecordID, "forfeited", map[string]any{
		"amount":       ff.Amount,
		"currency":     ff.Currency,
		"forfeited_id": ff.ID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("escrow: commit forfeit: %w", err)
	}
	return true, nil
}

func (r *PGRepository) ExpireClaims(ctx context.Context, now time.Time) (int, error) {
	const updateSQL = `
UPDATE forfeited_funds
SET exceptional_claim_status = 'expired'
WHERE exceptional_claim_status = 'eligible' AND exceptional_claim_deadline < $1;
`
	tag, err := r.pool.Exec(ctx, updateSQL, now)
	if err != nil {
		return 0, fmt.Errorf("escrow: expire claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PGRepository) ExpireClaim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE forfeited_funds SET exceptional_claim_status = 'expired'
WHERE id = $1 AND exceptional_claim_status = 'eligible'`, id)
	if err != nil {
		return false, fmt.Errorf("escrow: expire claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) GetForfeited(ctx context.Context, id string) (ForfeitedFund, error) {
	const query = `
SELECT id, original_record_id, owner_id, amount, currency, forfeited_at, exceptional_claim_deadline,
       exceptional_claim_status, COALESCE(claim_reason, ''), refund_amount, processing_fee,
       COALESCE(claim_processed_by, ''), claim_processed_at
FROM forfeited_funds
WHERE id = $1`
	var ff ForfeitedFund
	err := r.pool.QueryRow(ctx, query, id).Scan(&ff.ID, &ff.OriginalRecordID, &ff.OwnerID, &ff.Amount, &ff.Currency,
		&ff.ForfeitedAt, &ff.ExceptionalClaimDeadline, &ff.ClaimStatus, &ff.ClaimReason, &ff.RefundAmount,
		&ff.ProcessingFee, &ff.ClaimProcessedBy, &ff.ClaimProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ForfeitedFund{}, ErrForfeitedNotFound
		}
		return ForfeitedFund{}, fmt.Errorf("escrow: get forfeited: %w", err)
	}
	return ff, nil
}

// ApproveClaim grants the claim, closes the original record and opens the
// refund record atomically. It reports false when the claim is no longer
// eligible or its deadline passed.
func (r *PGRepository) ApproveClaim(ctx context.Context, a ClaimApproval) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("escrow: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE forfeited_funds
SET exceptional_claim_status = 'approved',
    claim_reason = $2,
    claim_documents = $3,
    refund_amount = $4,
    processing_fee = $5,
    claim_processed_by = $6,
    claim_processed_at = $7
WHERE id = $1 AND exceptional_claim_status = 'eligible' AND exceptional_claim_deadline >= $7`,
		a.ForfeitedID, string(a.Reason), a.Documents, a.RefundAmount, a.ProcessingFee, a.AdminID, a.At)
	if err != nil {
		return false, fmt.Errorf("escrow: approve claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE pending_funds SET status = 'claimed_after_forfeiture', updated_at = $2
WHERE id = $1 AND status = 'forfeited'`, a.OriginalRecordID, a.At); err != nil {
		return false, fmt.Errorf("escrow: close original: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO pending_funds (id, owner_id, amount, currency, status, reason, source_forfeited_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 'exceptional_claim_refund', $5, $6, $6)`,
		a.NewPendingID, a.OwnerID, a.RefundAmount, a.Currency, a.ForfeitedID, a.At); err != nil {
		return false, fmt.Errorf("escrow: insert refund record: %w", err)
	}

	if err := insertLog(ctx, tx, a.ForfeitedID, "exceptional_claim_approved", map[string]any{
		"claim_reason":    string(a.Reason),
		"original_amount": a.OriginalAmount,
		"processing_fee":  a.ProcessingFee,
		"refund_amount":   a.RefundAmount,
		"processed_by":    a.AdminID,
		"new_pending_id":  a.NewPendingID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("escrow: commit claim: %w", err)
	}
	return true, nil
}

func (r *PGRepository) InsertLog(ctx context.Context, recordID, action string, details map[string]any) error {
	return insertLog(ctx, r.pool, recordID, action, details)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLog(ctx context.Context, db execer, recordID, action string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("escrow: marshal log details: %w", err)
	}
	if _, err := db.Exec(ctx, `
INSERT INTO escrow_logs (record_id, action, details) VALUES ($1, $2, $3::jsonb)`, recordID, action, payload); err != nil {
		return fmt.Errorf("escrow: insert log: %w", err)
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{PendingByAge: emptyBuckets()}

	rows, err := r.pool.Query(ctx, `
SELECT floor(extract(epoch FROM ($1::timestamptz - created_at)) / 86400)::int AS age_days,
       status,
       COUNT(*),
       COALESCE(SUM(amount), 0)
FROM pending_funds
WHERE status IN ('pending','escalated')
GROUP BY age_days, status`, now)
	if err != nil {
		return Stats{}, fmt.Errorf("escrow: open stats: %w", err)
	}
	for rows.Next() {
		var (
			age    int
			status Status
			count  int
			amount int64
		)
		if err := rows.Scan(&age, &status, &count, &amount); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("escrow: scan open stats: %w", err)
		}
		stats.add(age, status, count, amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("escrow: open stats rows: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `
SELECT COUNT(*), COALESCE(SUM(amount), 0)
FROM forfeited_funds
WHERE exceptional_claim_status <> 'approved'`).Scan(&stats.ForfeitedCount, &stats.ForfeitedAmount); err != nil {
		return Stats{}, fmt.Errorf("escrow: forfeited stats: %w", err)
	}
	return stats, nil
}

func (r *PGRepository) PendingTotal(ctx context.Context) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM pending_funds WHERE status IN ('pending','escalated')`).Scan(&total); err != nil {
		return 0, fmt.Errorf("escrow: pending total: %w", err)
	}
	return total, nil
}

// SaveReport stores the day's sweep report, replacing an earlier one for the
// same day.
func (r *PGRepository) SaveReport(ctx context.Context, day time.Time, report any) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("escrow: marshal report: %w", err)
	}
	const upsertSQL = `
INSERT INTO escrow_reports (report_date, stats, created_at)
VALUES ($1::date, $2::jsonb, now())
ON CONFLICT (report_date) DO UPDATE SET stats = EXCLUDED.stats, created_at = EXCLUDED.created_at;
`
	if _, err := r.pool.Exec(ctx, upsertSQL, day.Format("2006-01-02"), payload); err != nil {
		return fmt.Errorf("escrow: save report: %w", err)
	}
	return nil
}
