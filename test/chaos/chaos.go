package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const terminateSQL = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid()
  AND ($1 = '' OR application_name LIKE $1)
ORDER BY random() LIMIT 1`

// TerminateRandomBackend kills one backend of the current database every few
// seconds. appLike narrows the victims by application_name when non-empty.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, terminateSQL, appLike)
			}
		}
	}
}

// ExpireStaleLocks deletes lock rows that are already past their expiry,
// forcing the next acquirer down the takeover path instead of the fresh
// insert path.
func ExpireStaleLocks(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_, _ = pool.Exec(ctx, `DELETE FROM locks WHERE expires_at < now()`)
		}
	}
}
