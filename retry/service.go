package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fundflow/alert"
	"fundflow/lock"
)

// Resolution methods stored on failed-payout records.
const (
	MethodAutomaticRetry = "automatic_retry"
	MethodManualAdmin    = "manual_admin_retry"
)

const defaultTaskPrefix = "payout-retry"

var (
	ErrMissingOperationKey = errors.New("retry: missing operation key")
	ErrAlreadyResolved     = errors.New("retry: payout already resolved")
)

// Service schedules and executes payout retry chains.
type Service struct {
	repo     Repository
	locker   lock.Locker
	alerts   alert.Sink
	executor PayoutExecutor
	policy   Policy

	taskPrefix      string
	callTimeout     time.Duration
	lockMargin      time.Duration
	contentionDelay time.Duration

	now    func() time.Time
	logger *slog.Logger
}

func NewService(repo Repository, locker lock.Locker, alerts alert.Sink, executor PayoutExecutor, policy Policy) *Service {
	return &Service{
		repo:            repo,
		locker:          locker,
		alerts:          alerts,
		executor:        executor,
		policy:          policy.orDefault(DefaultPolicy()),
		taskPrefix:      defaultTaskPrefix,
		callTimeout:     30 * time.Second,
		lockMargin:      30 * time.Second,
		contentionDelay: 30 * time.Second,
		now:             time.Now,
		logger:          slog.Default(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "retry")
	}
	return s
}

// WithCallTimeout bounds each gateway call. The payout lock lives for the
// timeout plus a fixed margin.
func (s *Service) WithCallTimeout(d time.Duration) *Service {
	if d > 0 {
		s.callTimeout = d
	}
	return s
}

// WithContentionDelay sets how long a task waits after losing the payout lock.
func (s *Service) WithContentionDelay(d time.Duration) *Service {
	if d > 0 {
		s.contentionDelay = d
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

// Schedule creates the next task of a chain. It is idempotent: the task id is
// derived from the operation key and attempt number, and a repeat call
// returns the existing task with Duplicate set.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	if req.OperationKey == "" {
		return ScheduleResult{}, ErrMissingOperationKey
	}
	policy := req.Policy.orDefault(s.policy)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = policy.MaxRetries
	}

	if req.RetryCount >= maxRetries {
		return ScheduleResult{Scheduled: false, Reason: "max retries reached"}, nil
	}

	highest, found, err := s.repo.HighestPendingRetry(ctx, req.OperationKey)
	if err != nil {
		return ScheduleResult{}, err
	}
	if found && highest > req.RetryCount {
		s.logger.Info("retry already scheduled at a later attempt",
			"operation_key", req.OperationKey, "requested", req.RetryCount, "pending", highest)
		return ScheduleResult{
			Scheduled: true,
			Duplicate: true,
			TaskID:    TaskID(s.taskPrefix, req.OperationKey, highest+1),
			Reason:    "retry already scheduled",
		}, nil
	}

	now := s.now().UTC()
	delay := policy.Delay(req.RetryCount)
	task := Task{
		ID:           TaskID(s.taskPrefix, req.OperationKey, req.RetryCount+1),
		OperationKey: req.OperationKey,
		OwnerID:      req.OwnerID,
		Payload:      req.Payload,
		RetryCount:   req.RetryCount,
		MaxRetries:   maxRetries,
		Status:       TaskScheduled,
		ScheduledAt:  now.Add(delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.Payload == nil {
		task.Payload = map[string]any{}
	}

	inserted, existing, err := s.repo.InsertTask(ctx, task)
	if err != nil {
		return ScheduleResult{}, err
	}
	if !inserted {
		return ScheduleResult{
			Scheduled:   true,
			Duplicate:   true,
			TaskID:      existing.ID,
			Delay:       delay,
			ScheduledAt: existing.ScheduledAt,
			Reason:      "retry already scheduled",
		}, nil
	}

	// The owner index is a cache; the cleanup sweep rebuilds it if this fails.
	if req.OwnerID != "" {
		if err := s.repo.AppendOwnerIndex(ctx, req.OwnerID, task.ID); err != nil {
			s.logger.Warn("append owner index failed", "task_id", task.ID, "owner_id", req.OwnerID, "error", err)
		}
	}
	if fpID := task.FailedPayoutID(); fpID != "" {
		if err := s.repo.MarkRetryScheduled(ctx, fpID, task.ID, req.RetryCount, task.ScheduledAt); err != nil {
			s.logger.Warn("mark retry scheduled failed", "task_id", task.ID, "failed_payout_id", fpID, "error", err)
		}
	}

	s.logger.Info("retry scheduled",
		"task_id", task.ID, "retry_count", req.RetryCount, "delay", delay, "scheduled_at", task.ScheduledAt)

	return ScheduleResult{
		Scheduled:   true,
		TaskID:      task.ID,
		Delay:       delay,
		ScheduledAt: task.ScheduledAt,
	}, nil
}

// RecordFailure stores a failed payout and schedules its first retry.
func (s *Service) RecordFailure(ctx context.Context, fp FailedPayout) (ScheduleResult, error) {
	if fp.ID == "" || fp.OrderID == "" {
		return ScheduleResult{}, fmt.Errorf("retry: failed payout requires id and order id")
	}
	if fp.Amount < 0 {
		return ScheduleResult{}, fmt.Errorf("retry: negative payout amount")
	}
	if fp.Status == "" {
		fp.Status = PayoutFailed
	}
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = s.now().UTC()
	}
	if err := s.repo.InsertFailedPayout(ctx, fp); err != nil {
		return ScheduleResult{}, err
	}
	return s.Schedule(ctx, s.requestFor(fp, fp.RetryCount))
}

// Cancel removes a task that has not started. Cancelling a task that already
// ran or never existed is not an error; execution re-checks state anyway.
func (s *Service) Cancel(ctx context.Context, taskID string) (bool, error) {
	deleted, err := s.repo.DeleteScheduled(ctx, taskID)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("retry task cancelled", "task_id", taskID)
	}
	return deleted, nil
}

// DueTasks claims up to limit tasks whose time has come for delivery.
func (s *Service) DueTasks(ctx context.Context, limit int, redeliverAfter time.Duration) ([]Task, error) {
	return s.repo.ClaimDue(ctx, s.now().UTC(), limit, redeliverAfter)
}

func (s *Service) requestFor(fp FailedPayout, retryCount int) ScheduleRequest {
	return ScheduleRequest{
		OperationKey: fp.OrderID,
		OwnerID:      fp.ProviderID,
		RetryCount:   retryCount,
		Payload: map[string]any{
			PayloadFailedPayoutID: fp.ID,
			PayloadOrderID:        fp.OrderID,
		},
	}
}
