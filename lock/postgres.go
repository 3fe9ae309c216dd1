package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLocker keeps locks in the locks table. Expiry is evaluated with the
// database clock so workers with skewed clocks agree.
type PGLocker struct {
	pool *pgxpool.Pool
}

func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

// Acquire takes the lock when it is absent, expired, or already ours. The
// check and the write happen in one statement.
func (l *PGLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Result, error) {
	if err := validate(key, holder, ttl); err != nil {
		return Result{}, err
	}

	const upsertSQL = `
INSERT INTO locks (resource_key, holder_id, acquired_at, expires_at)
VALUES ($1, $2, now(), now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (resource_key) DO UPDATE
SET holder_id = EXCLUDED.holder_id,
    acquired_at = EXCLUDED.acquired_at,
    expires_at = EXCLUDED.expires_at
WHERE locks.expires_at <= now() OR locks.holder_id = EXCLUDED.holder_id
RETURNING expires_at;
`
	var expiresAt time.Time
	err := l.pool.QueryRow(ctx, upsertSQL, key, holder, ttl.Milliseconds()).Scan(&expiresAt)
	if err == nil {
		return Result{Acquired: true, CurrentHolder: holder, ExpiresAt: expiresAt}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	var current string
	err = l.pool.QueryRow(ctx, `SELECT holder_id, expires_at FROM locks WHERE resource_key = $1`, key).Scan(&current, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the two statements; report contention and let the caller retry.
			return Result{Acquired: false}, nil
		}
		return Result{}, fmt.Errorf("lock: read holder %s: %w", key, err)
	}
	return Result{Acquired: false, CurrentHolder: current, ExpiresAt: expiresAt}, nil
}

func (l *PGLocker) Release(ctx context.Context, key, holder string) (ReleaseResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("lock: begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		current string
		expired bool
	)
	err = tx.QueryRow(ctx, `SELECT holder_id, expires_at <= now() FROM locks WHERE resource_key = $1 FOR UPDATE`, key).Scan(&current, &expired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReleaseResult{Released: true, Reason: ReasonNotHeld}, nil
		}
		return ReleaseResult{}, fmt.Errorf("lock: read for release %s: %w", key, err)
	}

	res := ReleaseResult{Released: true, Reason: ReasonReleased}
	switch {
	case expired:
		res.Reason = ReasonNotHeld
	case current != holder:
		return ReleaseResult{Released: false, Reason: ReasonNotHolder}, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM locks WHERE resource_key = $1`, key); err != nil {
		return ReleaseResult{}, fmt.Errorf("lock: delete %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("lock: commit release: %w", err)
	}
	return res, nil
}
