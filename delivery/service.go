// Package delivery re-drives failed notification deliveries with backoff and
// parks the ones that run out of budget in a dead-letter queue.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fundflow/alert"
	"fundflow/fault"
	"fundflow/retry"
)

var (
	ErrNotRetryable   = errors.New("delivery: record is not retryable")
	ErrInvalidChannel = errors.New("delivery: invalid channel")
	ErrMissingDedupe  = errors.New("delivery: missing dedupe key")
)

// DefaultPolicy is the notification retry schedule: 60s, 120s, 240s, ...
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: 60 * time.Second,
		Multiplier:   2,
		MaxRetries:   5,
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRetried
	outcomeStale
	outcomeMovedToDLQ
	outcomePermanentlyFailed
)

type Service struct {
	repo        Repository
	alerts      alert.Sink
	policy      retry.Policy
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
}

func NewService(repo Repository, alerts alert.Sink, policy retry.Policy) *Service {
	if policy.InitialDelay <= 0 || policy.Multiplier <= 0 {
		policy = DefaultPolicy()
	}
	return &Service{
		repo:        repo,
		alerts:      alerts,
		policy:      policy,
		now:         time.Now,
		idGenerator: uuid.NewString,
		logger:      slog.Default().With("component", "delivery"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGenerator = gen
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "delivery")
	}
	return s
}

// RetryBatch re-drives failed deliveries updated within maxAge. Per-record
// errors are counted and logged; only a failing batch query aborts the run.
func (s *Service) RetryBatch(ctx context.Context, maxAge time.Duration, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.now().UTC()

	// The schedule is re-checked per record since a concurrent writer may
	// push next_retry_at after the query.
	records, err := s.repo.ListFailed(ctx, now.Add(-maxAge), now, batchSize)
	if err != nil {
		return BatchResult{}, err
	}

	var (
		result BatchResult
		moved  []string
	)
	for _, rec := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		out, err := s.retryRecord(ctx, rec, now, true)
		if err != nil {
			result.Errors++
			s.logger.Error("delivery retry failed", "delivery_id", rec.ID, "channel", rec.Channel, "error", err)
			continue
		}
		switch out {
		case outcomeSkipped, outcomeStale:
			result.Skipped++
		case outcomeRetried:
			result.Retried++
			result.Succeeded++
		case outcomeMovedToDLQ:
			result.MovedToDLQ++
			moved = append(moved, rec.ID)
		case outcomePermanentlyFailed:
			result.PermanentlyFailed++
		}
	}

	if len(moved) > 0 {
		s.raiseDLQAlert(ctx, now, moved)
	}
	s.logger.Info("delivery retry batch finished",
		"scanned", len(records),
		"retried", result.Retried,
		"moved_to_dlq", result.MovedToDLQ,
		"permanently_failed", result.PermanentlyFailed,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result, nil
}

// RetryOne re-drives a single record on an admin's request, regardless of
// its next retry time.
func (s *Service) RetryOne(ctx context.Context, deliveryID string) (BatchResult, error) {
	rec, err := s.repo.GetRecord(ctx, deliveryID)
	if err != nil {
		return BatchResult{}, err
	}
	if rec.Status.Terminal() {
		return BatchResult{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, rec.ID, rec.Status)
	}

	now := s.now().UTC()
	out, err := s.retryRecord(ctx, rec, now, false)
	if err != nil {
		return BatchResult{Errors: 1}, err
	}
	var result BatchResult
	switch out {
	case outcomeRetried:
		result.Retried, result.Succeeded = 1, 1
	case outcomeMovedToDLQ:
		result.MovedToDLQ = 1
		s.raiseDLQAlert(ctx, now, []string{rec.ID})
	case outcomePermanentlyFailed:
		result.PermanentlyFailed = 1
	default:
		result.Skipped = 1
	}
	return result, nil
}

func (s *Service) retryRecord(ctx context.Context, rec Record, now time.Time, honorSchedule bool) (outcome, error) {
	if honorSchedule && rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
		return outcomeSkipped, nil
	}

	if rec.RetryCount >= s.policy.MaxRetries {
		if rec.Status != StatusFailed {
			return outcomeSkipped, nil
		}
		reason := fmt.Sprintf("max retries (%d) exceeded", s.policy.MaxRetries)
		moved, err := s.repo.MoveToDLQ(ctx, rec, reason, now)
		if err != nil {
			return outcomeSkipped, err
		}
		if !moved {
			return outcomeStale, nil
		}
		return outcomeMovedToDLQ, nil
	}

	ev, err := s.repo.GetEvent(ctx, rec.EventID)
	if errors.Is(err, ErrEventNotFound) {
		ok, err := s.repo.MarkPermanentlyFailed(ctx, rec.ID, "original event not found", now)
		if err != nil {
			return outcomeSkipped, err
		}
		if !ok {
			return outcomeStale, nil
		}
		return outcomePermanentlyFailed, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	next := rec.RetryCount + 1
	retryEvent := Event{
		ID:                s.idGenerator(),
		EventType:         ev.EventType,
		OwnerID:           ev.OwnerID,
		Payload:           ev.Payload,
		ForceChannels:     []Channel{rec.Channel},
		DedupeKey:         RetryDedupeKey(rec.ID, next),
		RetryOfDeliveryID: rec.ID,
		CreatedAt:         now,
	}
	// A duplicate dedupe key means an earlier run already emitted this
	// attempt; the conditional update below settles who counts it.
	if _, err := s.repo.InsertEvent(ctx, retryEvent); err != nil {
		return outcomeSkipped, err
	}

	ok, err := s.repo.MarkRetrying(ctx, rec.ID, rec.RetryCount, now.Add(s.policy.Delay(rec.RetryCount)), now)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		return outcomeStale, nil
	}
	return outcomeRetried, nil
}

// RetryDedupeKey is the event dedupe key for the attempt-th retry of a
// delivery.
func RetryDedupeKey(deliveryID string, attempt int) string {
	return fmt.Sprintf("retry_%s_%d", deliveryID, attempt)
}

func (s *Service) raiseDLQAlert(ctx context.Context, now time.Time, moved []string) {
	_, err := s.alerts.Raise(ctx, alert.Alert{
		Type:     alert.TypeDeliveryDLQ,
		Priority: alert.PriorityCritical,
		Title:    "Notifications moved to dead-letter queue",
		Message:  fmt.Sprintf("%d notification deliveries exhausted their retries", len(moved)),
		Details: map[string]any{
			"count":        len(moved),
			"delivery_ids": moved,
			"max_retries":  s.policy.MaxRetries,
			"timestamp":    now.Format(time.RFC3339),
		},
		RequiresAction: true,
	})
	if err != nil {
		s.logger.Error("raise dlq alert", "count", len(moved), "error", err)
	}
}

// Stats reports the DLQ and the pending retry backlog.
func (s *Service) Stats(ctx context.Context) (DLQStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return DLQStats{}, err
	}
	if stats.ByChannel == nil {
		stats.ByChannel = map[Channel]int{}
	}
	return stats, nil
}

// Emit stores an event for fan-out. It reports false when the dedupe key
// was already used, which is not an error.
func (s *Service) Emit(ctx context.Context, ev Event) (Event, bool, error) {
	if ev.DedupeKey == "" {
		return Event{}, false, fault.Validation("delivery.emit", ErrMissingDedupe)
	}
	if ev.EventType == "" || ev.OwnerID == "" {
		return Event{}, false, fault.Validation("delivery.emit", fmt.Errorf("delivery: event type and owner are required"))
	}
	for _, c := range ev.ForceChannels {
		if !c.Valid() {
			return Event{}, false, fault.Validation("delivery.emit", fmt.Errorf("%w: %q", ErrInvalidChannel, c))
		}
	}
	if ev.ID == "" {
		ev.ID = s.idGenerator()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	inserted, err := s.repo.InsertEvent(ctx, ev)
	if err != nil {
		return Event{}, false, err
	}
	return ev, inserted, nil
}

// RecordAttempt stores a transport outcome. Attempts for retry events update
// the original delivery; first attempts create a record keyed by event and
// channel.
func (s *Service) RecordAttempt(ctx context.Context, a Attempt) error {
	if !a.Channel.Valid() {
		return fault.Validation("delivery.record_attempt", fmt.Errorf("%w: %q", ErrInvalidChannel, a.Channel))
	}
	now := s.now().UTC()

	ev, err := s.repo.GetEvent(ctx, a.EventID)
	if err != nil {
		return err
	}

	status := StatusFailed
	if a.Success {
		status = StatusSent
	}

	if ev.RetryOfDeliveryID != "" {
		orig, err := s.repo.GetRecord(ctx, ev.RetryOfDeliveryID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(orig.Status, status); err != nil {
			s.logger.Warn("ignoring attempt for settled delivery", "delivery_id", orig.ID, "status", orig.Status, "error", err)
			return nil
		}
		orig.Status = status
		orig.LastError = a.Error
		orig.UpdatedAt = now
		if a.Recipient != "" {
			orig.Recipient = a.Recipient
		}
		return s.repo.UpsertAttempt(ctx, orig)
	}

	return s.repo.UpsertAttempt(ctx, Record{
		ID:        RecordID(a.EventID, a.Channel),
		EventID:   a.EventID,
		Channel:   a.Channel,
		Recipient: a.Recipient,
		Status:    status,
		LastError: a.Error,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// RecordID is the delivery id for an event's first attempt on channel.
func RecordID(eventID string, channel Channel) string {
	return eventID + "_" + string(channel)
}
