package actors

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fundflow/alert"
	"fundflow/cleanup"
	"fundflow/delivery"
	"fundflow/dispatch"
	"fundflow/escrow"
	"fundflow/gateway"
	"fundflow/lock"
	"fundflow/retry"
)

// Short clocks so chains finish inside a stress run.
var (
	PayoutPolicy   = retry.Policy{InitialDelay: 20 * time.Millisecond, Multiplier: 1.5, MaxRetries: 4}
	DeliveryPolicy = retry.Policy{InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxRetries: 3}
)

// Stats counts what actors did. Service errors are expected while chaos is
// killing backends, so they are tallied rather than returned; the oracles
// decide whether state went wrong.
type Stats struct {
	LockSections   atomic.Int64
	Contended      atomic.Int64
	PayoutsSeeded  atomic.Int64
	TasksExecuted  atomic.Int64
	Sweeps         atomic.Int64
	DeliveryRounds atomic.Int64
	CleanupRuns    atomic.Int64
	Errors         atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("lock_sections=%d contended=%d payouts=%d tasks=%d sweeps=%d delivery_rounds=%d cleanups=%d errors=%d",
		s.LockSections.Load(), s.Contended.Load(), s.PayoutsSeeded.Load(), s.TasksExecuted.Load(),
		s.Sweeps.Load(), s.DeliveryRounds.Load(), s.CleanupRuns.Load(), s.Errors.Load())
}

func (s *Stats) fail(err error) {
	if err != nil {
		s.Errors.Add(1)
	}
}

// Env is the wiring shared by every actor. Each actor builds its own service
// instances on top of it, the way separate processes would.
type Env struct {
	Pool   *pgxpool.Pool
	Locker lock.Locker
	Alerts *alert.Service
	Logger *slog.Logger
	Stats  *Stats
}

func NewEnv(pool *pgxpool.Pool, logger *slog.Logger) Env {
	return Env{
		Pool:   pool,
		Locker: lock.NewPGLocker(pool),
		Alerts: alert.NewService(alert.NewRepository(pool)),
		Logger: logger,
		Stats:  &Stats{},
	}
}

func (e Env) RetryService(exec retry.PayoutExecutor) *retry.Service {
	return retry.NewService(retry.NewRepository(e.Pool), e.Locker, e.Alerts, exec, PayoutPolicy).
		WithLogger(e.Logger).
		WithCallTimeout(2 * time.Second).
		WithContentionDelay(20 * time.Millisecond)
}

func (e Env) DeliveryService() *delivery.Service {
	return delivery.NewService(delivery.NewRepository(e.Pool), e.Alerts, DeliveryPolicy).WithLogger(e.Logger)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// LockContender enters the critical section for key whenever it wins the
// lock and records the interval it spent inside.
func LockContender(ctx context.Context, env Env, key string, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		holder := lock.NewHolderID("stress")
		err := lock.WithLock(ctx, env.Locker, key, holder, 5*time.Second, func(ctx context.Context) error {
			entered := time.Now()
			pause(2, 10)
			left := time.Now()
			_, err := env.Pool.Exec(ctx, `INSERT INTO stress_lock_sections (lock_key, holder_id, entered_at, left_at)
                                          VALUES ($1,$2,$3,$4)`, key, holder, entered, left)
			return err
		})
		switch {
		case err == nil:
			env.Stats.LockSections.Add(1)
		case lock.IsContended(err):
			env.Stats.Contended.Add(1)
		default:
			env.Stats.fail(err)
		}
		pause(1, 10)
	}
	return nil
}

// FlakyGateway fails a share of payouts with a provider outage and logs every
// call so oracles can spot a second successful payout for one order.
type FlakyGateway struct {
	Pool        *pgxpool.Pool
	FailPercent int
}

func (g FlakyGateway) ExecutePayout(ctx context.Context, req retry.PayoutRequest) (retry.PayoutResult, error) {
	ok := rand.Intn(100) >= g.FailPercent
	if _, err := g.Pool.Exec(ctx, `INSERT INTO stress_payout_calls (order_id, idempotency_key, succeeded)
                                   VALUES ($1,$2,$3)`, req.OrderID, req.IdempotencyKey, ok); err != nil {
		return retry.PayoutResult{}, err
	}
	if !ok {
		return retry.PayoutResult{}, &gateway.StatusError{Status: http.StatusServiceUnavailable, Body: "stress outage"}
	}
	return retry.PayoutResult{BatchID: "batch-" + req.IdempotencyKey, Status: "paid"}, nil
}

// PayoutFailures keeps recording failed payouts, which schedules a retry
// chain for each one.
func PayoutFailures(ctx context.Context, env Env, svc *retry.Service, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		n := env.Stats.PayoutsSeeded.Add(1)
		orderID := fmt.Sprintf("order-%d-%d", n, rand.Int63())
		providerID := fmt.Sprintf("prov-%d", rand.Intn(5))
		amount := int64(1000 + rand.Intn(100000))

		_, err := env.Pool.Exec(ctx, `INSERT INTO payout_orders (id, provider_id, amount, currency, transfer_status)
                                      VALUES ($1,$2,$3,'USD','failed')`, orderID, providerID, amount)
		if err == nil {
			_, err = svc.RecordFailure(ctx, retry.FailedPayout{
				ID:                "fpa-" + orderID,
				OrderID:           orderID,
				ProviderID:        providerID,
				PayoutDestination: "acct-" + providerID,
				Amount:            amount,
				Currency:          "USD",
			})
		}
		env.Stats.fail(err)
		pause(20, 40)
	}
	return nil
}

// PayoutDispatcher runs a poller that executes due tasks in process. Several
// dispatchers compete for the same tasks.
func PayoutDispatcher(ctx context.Context, env Env, svc *retry.Service, stop <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	counting := countingDeliverer{next: dispatch.NewDirectDeliverer(svc), stats: env.Stats}
	poller := dispatch.NewPoller(svc, counting, dispatch.PollerConfig{
		Interval:       50 * time.Millisecond,
		BatchSize:      20,
		MaxInFlight:    4,
		RedeliverAfter: 3 * time.Second,
	}).WithLogger(env.Logger)

	if err := poller.Run(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("payout dispatcher: %w", err)
	}
	return nil
}

type countingDeliverer struct {
	next  dispatch.Deliverer
	stats *Stats
}

func (d countingDeliverer) Deliver(ctx context.Context, task retry.Task) error {
	err := d.next.Deliver(ctx, task)
	if err == nil {
		d.stats.TasksExecuted.Add(1)
	}
	d.stats.fail(err)
	return err
}

// EscrowSweeper runs full sweeps back to back. Running several sweepers
// checks that the sweep lock keeps them from forfeiting the same record.
func EscrowSweeper(ctx context.Context, env Env, stop <-chan struct{}) error {
	cfg := escrow.DefaultConfig()
	cfg.SweepLockTTL = 30 * time.Second
	svc := escrow.NewService(escrow.NewRepository(env.Pool), env.Locker, env.Alerts, env.DeliveryService(), cfg).
		WithLogger(env.Logger)

	for !done(ctx, stop) {
		res, err := svc.Sweep(ctx)
		if err == nil && !res.Skipped {
			env.Stats.Sweeps.Add(1)
		}
		env.Stats.fail(err)
		pause(20, 50)
	}
	return nil
}

// DeliveryTransport plays the channel transports: it picks up pending retry
// events and reports a failed send for most of them, which sends the
// original delivery back to failed.
func DeliveryTransport(ctx context.Context, env Env, svc *delivery.Service, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		rows, err := env.Pool.Query(ctx, `SELECT e.id, d.channel FROM message_events e
                                          JOIN message_deliveries d ON d.id = e.retry_of_delivery_id
                                          WHERE d.status = 'retrying'
                                          ORDER BY random() LIMIT 20`)
		if err != nil {
			env.Stats.fail(err)
			pause(20, 20)
			continue
		}
		type pending struct {
			eventID string
			channel string
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.eventID, &p.channel); err != nil {
				env.Stats.fail(err)
				break
			}
			batch = append(batch, p)
		}
		rows.Close()

		for _, p := range batch {
			ok := rand.Intn(4) == 0
			a := delivery.Attempt{EventID: p.eventID, Channel: delivery.Channel(p.channel), Recipient: "stress@example.com", Success: ok}
			if !ok {
				a.Error = "stress transport failure"
			}
			env.Stats.fail(svc.RecordAttempt(ctx, a))
		}
		pause(10, 30)
	}
	return nil
}

// DeliveryRetrier drives RetryBatch concurrently with other retriers.
func DeliveryRetrier(ctx context.Context, env Env, svc *delivery.Service, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := svc.RetryBatch(ctx, time.Hour, 50)
		if err == nil {
			env.Stats.DeliveryRounds.Add(1)
		}
		env.Stats.fail(err)
		pause(10, 40)
	}
	return nil
}

// CleanupRunner runs the maintenance pass while everything else is live.
func CleanupRunner(ctx context.Context, env Env, stop <-chan struct{}) error {
	cfg := cleanup.DefaultConfig()
	cfg.ExecutingTimeout = time.Minute
	svc := cleanup.NewService(cleanup.NewRepository(env.Pool), env.Alerts, cfg).WithLogger(env.Logger)

	for !done(ctx, stop) {
		_, err := svc.Run(ctx)
		if err == nil {
			env.Stats.CleanupRuns.Add(1)
		}
		env.Stats.fail(err)
		pause(500, 500)
	}
	return nil
}
