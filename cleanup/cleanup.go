// Package cleanup heals state the other components leave behind: tasks stuck
// executing, scheduled tasks that were never delivered, a drifted owner
// index, and aged audit rows. It never creates primary records.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundflow/alert"
	"fundflow/fault"
)

// Job names, as used in reports and audit rows.
const (
	JobTimeouts  = "task_timeouts"
	JobStale     = "stale_scheduled"
	JobIndex     = "index_reconcile"
	JobRetention = "retention"
)

// Config bounds each job. MaxBatches caps how many retention batches one run
// deletes per table.
type Config struct {
	ExecutingTimeout time.Duration
	StaleThreshold   time.Duration
	BatchSize        int
	MaxBatches       int
	Retention        Retention
}

// Retention holds the time-to-live of each retention-managed table.
type Retention struct {
	AuditLogs      time.Duration
	EscrowLogs     time.Duration
	ReadAlerts     time.Duration
	DLQ            time.Duration
	AnonymizeAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		ExecutingTimeout: 30 * time.Minute,
		StaleThreshold:   24 * time.Hour,
		BatchSize:        200,
		MaxBatches:       10,
		Retention: Retention{
			AuditLogs:      90 * 24 * time.Hour,
			EscrowLogs:     365 * 24 * time.Hour,
			ReadAlerts:     90 * 24 * time.Hour,
			DLQ:            180 * 24 * time.Hour,
			AnonymizeAfter: 90 * 24 * time.Hour,
		},
	}
}

// Target is a table subject to retention deletes.
type Target string

const (
	TargetAuditLogs  Target = "cleanup_audit_logs"
	TargetEscrowLogs Target = "escrow_logs"
	TargetReadAlerts Target = "admin_alerts"
	TargetDLQ        Target = "delivery_dlq"
)

type TimedOutTask struct {
	ID             string
	OwnerID        string
	FailedPayoutID string
	RetryCount     int
	StartedAt      *time.Time
}

type StaleTask struct {
	ID             string
	OwnerID        string
	FailedPayoutID string
	ScheduledAt    time.Time
}

type IndexRepair struct {
	OwnerID string
	Before  []string
	After   []string
}

type Repository interface {
	// TimeOutExecuting force-fails up to limit tasks that started before
	// cutoff and writes an audit row for each.
	TimeOutExecuting(ctx context.Context, cutoff time.Time, limit int, at time.Time) ([]TimedOutTask, error)
	DeleteStaleScheduled(ctx context.Context, cutoff time.Time, limit int) ([]StaleTask, error)
	ReconcileIndex(ctx context.Context, limit int) ([]IndexRepair, error)
	Purge(ctx context.Context, target Target, cutoff time.Time, limit int) (int, error)
	Anonymize(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Report struct {
	TimedOut         int               `json:"timedOut"`
	StaleDeleted     int               `json:"staleDeleted"`
	IndexRepaired    int               `json:"indexRepaired"`
	RetentionDeleted int               `json:"retentionDeleted"`
	Anonymized       int               `json:"anonymized"`
	Errors           map[string]string `json:"errors,omitempty"`
}

type Service struct {
	repo   Repository
	alerts alert.Sink
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewService(repo Repository, alerts alert.Sink, cfg Config) *Service {
	d := DefaultConfig()
	if cfg.ExecutingTimeout <= 0 {
		cfg.ExecutingTimeout = d.ExecutingTimeout
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = d.StaleThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = d.MaxBatches
	}
	return &Service{
		repo:   repo,
		alerts: alerts,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "cleanup"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "cleanup")
	}
	return s
}

// Run executes the four jobs concurrently. A failing job is recorded in the
// report and does not stop the others. The returned error joins every job
// failure.
func (s *Service) Run(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	var (
		mu     sync.Mutex
		report Report
		errs   []error
	)
	record := func(job string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if report.Errors == nil {
			report.Errors = map[string]string{}
		}
		report.Errors[job] = err.Error()
		errs = append(errs, fmt.Errorf("cleanup: %s: %w", job, err))
		s.logger.Error("cleanup job failed", "job", job, "error", err)
	}

	jobs := []struct {
		name string
		run  func(context.Context, time.Time, *Report, *sync.Mutex) error
	}{
		{JobTimeouts, s.timeOutExecuting},
		{JobStale, s.deleteStale},
		{JobIndex, s.reconcileIndex},
		{JobRetention, s.applyRetention},
	}

	// No WithContext: a failing job must not cancel its siblings.
	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			if err := job.run(ctx, now, &report, &mu); err != nil {
				record(job.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("cleanup finished",
		"timed_out", report.TimedOut,
		"stale_deleted", report.StaleDeleted,
		"index_repaired", report.IndexRepaired,
		"retention_deleted", report.RetentionDeleted,
		"anonymized", report.Anonymized,
		"failed_jobs", len(report.Errors),
	)
	return report, errors.Join(errs...)
}

func (s *Service) timeOutExecuting(ctx context.Context, now time.Time, report *Report, mu *sync.Mutex) error {
	tasks, err := s.repo.TimeOutExecuting(ctx, now.Add(-s.cfg.ExecutingTimeout), s.cfg.BatchSize, now)
	if err != nil {
		return err
	}
	mu.Lock()
	report.TimedOut = len(tasks)
	mu.Unlock()
	if len(tasks) == 0 {
		return nil
	}

	ids := make([]string, 0, len(tasks))
	payouts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
		if t.FailedPayoutID != "" {
			payouts = append(payouts, t.FailedPayoutID)
		}
	}
	sort.Strings(ids)
	_, err = s.alerts.Raise(ctx, alert.Alert{
		ID:       alert.DeterministicID(append([]string{alert.TypeCleanupTaskTimeout}, ids...)...),
		Type:     alert.TypeCleanupTaskTimeout,
		Priority: alert.PriorityHigh,
		Title:    "Retry tasks timed out",
		Message: fmt.Sprintf("%d task(s) were stuck executing for more than %s and were failed with %s",
			len(tasks), s.cfg.ExecutingTimeout, fault.CodeTaskTimeout),
		Details: map[string]any{
			"task_ids":            ids,
			"failed_payout_ids":   payouts,
			"error_code":          string(fault.CodeTaskTimeout),
			"executing_timeout_s": int(s.cfg.ExecutingTimeout.Seconds()),
		},
		RequiresAction: true,
	})
	if err != nil {
		s.logger.Error("raise timeout alert", "count", len(tasks), "error", err)
	}
	return nil
}

func (s *Service) deleteStale(ctx context.Context, now time.Time, report *Report, mu *sync.Mutex) error {
	tasks, err := s.repo.DeleteStaleScheduled(ctx, now.Add(-s.cfg.StaleThreshold), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	mu.Lock()
	report.StaleDeleted = len(tasks)
	mu.Unlock()
	var ids, payouts []string
	for _, t := range tasks {
		s.logger.Warn("deleted stale scheduled task", "task_id", t.ID, "owner_id", t.OwnerID, "scheduled_at", t.ScheduledAt)
		if t.FailedPayoutID != "" {
			ids = append(ids, t.ID)
			payouts = append(payouts, t.FailedPayoutID)
		}
	}
	if len(payouts) == 0 {
		return nil
	}

	// A deleted payout task means a failed payout no longer has a live retry.
	sort.Strings(ids)
	sort.Strings(payouts)
	_, err = s.alerts.Raise(ctx, alert.Alert{
		ID:       alert.DeterministicID(append([]string{alert.TypeCleanupStaleTasks}, ids...)...),
		Type:     alert.TypeCleanupStaleTasks,
		Priority: alert.PriorityHigh,
		Title:    "Stale payout retries deleted",
		Message: fmt.Sprintf("%d payout retry task(s) were never delivered within %s and were deleted; retry them manually",
			len(payouts), s.cfg.StaleThreshold),
		Details: map[string]any{
			"task_ids":          ids,
			"failed_payout_ids": payouts,
			"stale_threshold_s": int(s.cfg.StaleThreshold.Seconds()),
		},
		RequiresAction: true,
	})
	if err != nil {
		s.logger.Error("raise stale task alert", "count", len(payouts), "error", err)
	}
	return nil
}

func (s *Service) reconcileIndex(ctx context.Context, _ time.Time, report *Report, mu *sync.Mutex) error {
	repairs, err := s.repo.ReconcileIndex(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	mu.Lock()
	report.IndexRepaired = len(repairs)
	mu.Unlock()
	for _, r := range repairs {
		s.logger.Info("repaired owner index", "owner_id", r.OwnerID, "before", len(r.Before), "after", len(r.After))
	}
	return nil
}

// applyRetention purges each table in bounded batches. A failing table is
// reported but the remaining tables are still processed.
func (s *Service) applyRetention(ctx context.Context, now time.Time, report *Report, mu *sync.Mutex) error {
	targets := []struct {
		target Target
		ttl    time.Duration
	}{
		{TargetAuditLogs, s.cfg.Retention.AuditLogs},
		{TargetEscrowLogs, s.cfg.Retention.EscrowLogs},
		{TargetReadAlerts, s.cfg.Retention.ReadAlerts},
		{TargetDLQ, s.cfg.Retention.DLQ},
	}

	var errs []error
	deleted := 0
	for _, t := range targets {
		if t.ttl <= 0 {
			continue
		}
		n, err := s.batched(ctx, func(ctx context.Context) (int, error) {
			return s.repo.Purge(ctx, t.target, now.Add(-t.ttl), s.cfg.BatchSize)
		})
		deleted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.target, err))
		}
	}

	anonymized := 0
	if ttl := s.cfg.Retention.AnonymizeAfter; ttl > 0 {
		n, err := s.batched(ctx, func(ctx context.Context) (int, error) {
			return s.repo.Anonymize(ctx, now.Add(-ttl), s.cfg.BatchSize)
		})
		anonymized = n
		if err != nil {
			errs = append(errs, fmt.Errorf("anonymize: %w", err))
		}
	}

	mu.Lock()
	report.RetentionDeleted = deleted
	report.Anonymized = anonymized
	mu.Unlock()
	return errors.Join(errs...)
}

// batched repeats fn until a batch comes back short or MaxBatches is hit.
func (s *Service) batched(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	total := 0
	for i := 0; i < s.cfg.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := fn(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.cfg.BatchSize {
			break
		}
	}
	return total, nil
}
