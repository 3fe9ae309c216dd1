// Package escrow runs the lifecycle of funds held for owners who have not
// completed verification: reminders, escalation, forfeiture and late claims.
// No step moves money; a granted claim only opens a new pending record.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fundflow/alert"
	"fundflow/fault"
	"fundflow/lock"
)

const sweepLockKey = "escrow:daily-sweep"

var (
	ErrClaimNotEligible    = errors.New("escrow: claim no longer eligible")
	ErrClaimDeadlinePassed = errors.New("escrow: claim deadline passed")
	ErrInvalidClaimReason  = errors.New("escrow: invalid claim reason")
	ErrMissingAdmin        = errors.New("escrow: missing admin id")
)

// BalanceProvider reports the platform balance available to pay out escrow.
type BalanceProvider interface {
	AvailableBalance(ctx context.Context) (int64, error)
}

type Service struct {
	repo        Repository
	locker      lock.Locker
	alerts      alert.Sink
	notifier    Notifier
	balance     BalanceProvider
	cfg         Config
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
}

func NewService(repo Repository, locker lock.Locker, alerts alert.Sink, notifier Notifier, cfg Config) *Service {
	return &Service{
		repo:        repo,
		locker:      locker,
		alerts:      alerts,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
		idGenerator: uuid.NewString,
		logger:      slog.Default().With("component", "escrow"),
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
		s.logger = logger.With("component", "escrow")
	}
	return s
}

// WithBalanceProvider enables the balance check at the end of each sweep.
func (s *Service) WithBalanceProvider(p BalanceProvider) *Service {
	s.balance = p
	return s
}

// Sweep runs one pass of the lifecycle over every open record. Only one
// sweep runs at a time across processes; a sweep that finds the lock held
// returns with Skipped set.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	ttl := s.cfg.SweepLockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	err := lock.WithLock(ctx, s.locker, sweepLockKey, lock.NewHolderID("escrow-sweep"), ttl, func(ctx context.Context) error {
		var err error
		result, err = s.sweep(ctx)
		return err
	})
	if lock.IsContended(err) {
		s.logger.Info("escrow sweep already running elsewhere")
		return SweepResult{Skipped: true}, nil
	}
	return result, err
}

func (s *Service) sweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	var result SweepResult

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}

	var cursor Cursor
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		records, err := s.repo.ListOpen(ctx, cursor, batch)
		if err != nil {
			return result, err
		}
		for _, p := range records {
			s.process(ctx, p, now, &result)
		}
		result.Scanned += len(records)
		if len(records) < batch {
			break
		}
		last := records[len(records)-1]
		cursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	expired, err := s.repo.ExpireClaims(ctx, now)
	if err != nil {
		s.logger.Error("expire claims", "error", err)
	}
	result.ClaimsExpired = expired

	stats, err := s.repo.Stats(ctx, now)
	if err != nil {
		s.logger.Error("escrow stats", "error", err)
	} else {
		result.Stats = stats
	}

	if s.balance != nil {
		check, err := s.CheckBalance(ctx)
		if err != nil {
			s.logger.Error("balance check", "error", err)
		} else {
			result.Balance = &check
		}
	}

	if err := s.repo.SaveReport(ctx, now, result); err != nil {
		s.logger.Error("save escrow report", "error", err)
	}

	day := now.Format("2006-01-02")
	if s.cfg.EscrowAlertThreshold > 0 && result.Stats.TotalEscrowedFunds > s.cfg.EscrowAlertThreshold {
		s.raise(ctx, alert.Alert{
			ID:       alert.DeterministicID(alert.TypeEscrowThreshold, day),
			Type:     alert.TypeEscrowThreshold,
			Priority: alert.PriorityHigh,
			Title:    "Escrowed funds above threshold",
			Message: fmt.Sprintf("Total escrowed funds %d exceed the alert threshold %d",
				result.Stats.TotalEscrowedFunds, s.cfg.EscrowAlertThreshold),
			Details: map[string]any{
				"total":     result.Stats.TotalEscrowedFunds,
				"threshold": s.cfg.EscrowAlertThreshold,
				"pending":   result.Stats.PendingCount,
			},
			RequiresAction: true,
		})
	}
	if result.Forfeitures.Processed > 0 {
		s.raise(ctx, alert.Alert{
			ID:       alert.DeterministicID(alert.TypeEscrowForfeiture, day),
			Type:     alert.TypeEscrowForfeiture,
			Priority: alert.PriorityMedium,
			Title:    "Unclaimed funds forfeited",
			Message: fmt.Sprintf("%d unclaimed record(s) forfeited for a total of %d",
				result.Forfeitures.Processed, result.Forfeitures.Amount),
			Details: map[string]any{
				"processed": result.Forfeitures.Processed,
				"amount":    result.Forfeitures.Amount,
				"failed":    result.Forfeitures.Failed,
			},
		})
	}

	s.logger.Info("escrow sweep finished",
		"scanned", result.Scanned,
		"reminders_sent", result.Reminders.Sent,
		"reminders_failed", result.Reminders.Failed,
		"escalations", result.Escalations,
		"forfeited", result.Forfeitures.Processed,
		"forfeit_failed", result.Forfeitures.Failed,
		"claims_expired", result.ClaimsExpired,
	)
	return result, nil
}

// process applies every due transition to one record. Errors are counted
// and logged; they never stop the sweep.
func (s *Service) process(ctx context.Context, p PendingFund, now time.Time, result *SweepResult) {
	age := ageInDays(p.CreatedAt, now)

	if p.Status == StatusPending {
		switch sent, err := s.remind(ctx, p, age, now); {
		case err != nil:
			result.Reminders.Failed++
			s.logger.Error("send reminder", "pending_fund_id", p.ID, "error", err)
		case sent:
			result.Reminders.Sent++
		}
	}

	if p.Status == StatusPending && age >= s.cfg.EscalationDays {
		escalated, err := s.escalate(ctx, p, age, now)
		if err != nil {
			s.logger.Error("escalate", "pending_fund_id", p.ID, "error", err)
		}
		if escalated {
			result.Escalations++
			p.Status = StatusEscalated
		}
	}

	if p.Status.Open() && age >= s.cfg.ForfeitureDays {
		forfeited, err := s.forfeit(ctx, p, now)
		switch {
		case err != nil:
			result.Forfeitures.Failed++
			s.logger.Error("forfeit", "pending_fund_id", p.ID, "error", err)
		case forfeited:
			result.Forfeitures.Processed++
			result.Forfeitures.Amount += p.Amount
		}
	}
}

// dueReminder returns the reminder threshold whose window covers age and has
// not been sent yet. Thresholds missed by more than the grace window are not
// sent late.
func (s *Service) dueReminder(p PendingFund, age int) (int, bool) {
	for _, day := range s.cfg.ReminderDays {
		if age >= day && age < day+s.cfg.ReminderGraceDays && !p.reminderSent(day) {
			return day, true
		}
	}
	return 0, false
}

func (s *Service) remind(ctx context.Context, p PendingFund, age int, now time.Time) (bool, error) {
	day, ok := s.dueReminder(p, age)
	if !ok {
		return false, nil
	}
	// Emit first: the dedupe key makes a repeat harmless, while recording
	// first could lose the reminder if the emit then failed.
	if _, _, err := s.notifier.Emit(ctx, s.reminderEvent(p, day, age)); err != nil {
		return false, fmt.Errorf("escrow: emit reminder: %w", err)
	}
	recorded, err := s.repo.AppendReminder(ctx, p.ID, day, now)
	if err != nil {
		return false, err
	}
	if !recorded {
		return false, nil
	}
	if err := s.repo.InsertLog(ctx, p.ID, "reminder_sent", map[string]any{"reminder_day": day, "age_days": age}); err != nil {
		s.logger.Warn("log reminder", "pending_fund_id", p.ID, "error", err)
	}
	return true, nil
}

func (s *Service) escalate(ctx context.Context, p PendingFund, age int, now time.Time) (bool, error) {
	ok, err := s.repo.Escalate(ctx, p.ID, now)
	if err != nil || !ok {
		return false, err
	}

	s.raise(ctx, alert.Alert{
		ID:       alert.DeterministicID(alert.TypeEscrowEscalation, p.ID),
		Type:     alert.TypeEscrowEscalation,
		Priority: alert.PriorityHigh,
		Title:    "Unclaimed funds need review",
		Message:  fmt.Sprintf("Pending record %s (%d %s) unclaimed for %d days", p.ID, p.Amount, p.Currency, age),
		Details: map[string]any{
			"pending_fund_id": p.ID,
			"owner_id":        p.OwnerID,
			"amount":          p.Amount,
			"currency":        p.Currency,
			"age_days":        age,
		},
		RequiresAction: true,
	})
	if _, _, err := s.notifier.Emit(ctx, escalationEvent(p, age)); err != nil {
		s.logger.Warn("emit escalation event", "pending_fund_id", p.ID, "error", err)
	}
	if err := s.repo.InsertLog(ctx, p.ID, "escalated", map[string]any{"age_days": age}); err != nil {
		s.logger.Warn("log escalation", "pending_fund_id", p.ID, "error", err)
	}
	return true, nil
}

func (s *Service) forfeit(ctx context.Context, p PendingFund, now time.Time) (bool, error) {
	ff := ForfeitedFund{
		ID:                       s.idGenerator(),
		OriginalRecordID:         p.ID,
		OwnerID:                  p.OwnerID,
		Amount:                   p.Amount,
		Currency:                 p.Currency,
		ForfeitedAt:              now,
		ExceptionalClaimDeadline: now.AddDate(0, 0, s.cfg.ClaimWindowDays),
		ClaimStatus:              ClaimEligible,
	}
	ok, err := s.repo.Forfeit(ctx, ff)
	if err != nil || !ok {
		return false, err
	}
	if _, _, err := s.notifier.Emit(ctx, s.forfeitureEvent(ff)); err != nil {
		s.logger.Warn("emit forfeiture event", "pending_fund_id", p.ID, "error", err)
	}
	return true, nil
}

// ProcessingFee returns the fee kept on a late claim, rounded half up.
func ProcessingFee(amount int64, percent int) int64 {
	return (amount*int64(percent) + 50) / 100
}

// ApproveClaim grants an exceptional claim on a forfeited record. The refund
// is the forfeited amount less the processing fee, parked as a new pending
// record.
func (s *Service) ApproveClaim(ctx context.Context, forfeitedID string, req ClaimRequest) (ClaimResult, error) {
	if !req.Reason.Valid() {
		return ClaimResult{}, fault.Validation("escrow.approve_claim", fmt.Errorf("%w: %q", ErrInvalidClaimReason, req.Reason))
	}
	if req.AdminID == "" {
		return ClaimResult{}, fault.Validation("escrow.approve_claim", ErrMissingAdmin)
	}

	var result ClaimResult
	err := lock.WithLock(ctx, s.locker, "claim:"+forfeitedID, lock.NewHolderID("claim-"+req.AdminID), time.Minute, func(ctx context.Context) error {
		ff, err := s.repo.GetForfeited(ctx, forfeitedID)
		if err != nil {
			return err
		}
		if ff.ClaimStatus != ClaimEligible {
			return ErrClaimNotEligible
		}
		now := s.now().UTC()
		if now.After(ff.ExceptionalClaimDeadline) {
			if _, err := s.repo.ExpireClaim(ctx, ff.ID); err != nil {
				s.logger.Warn("expire claim", "forfeited_id", ff.ID, "error", err)
			}
			return ErrClaimDeadlinePassed
		}

		fee := ProcessingFee(ff.Amount, s.cfg.ClaimFeePercent)
		approval := ClaimApproval{
			ForfeitedID:      ff.ID,
			OriginalRecordID: ff.OriginalRecordID,
			OwnerID:          ff.OwnerID,
			Currency:         ff.Currency,
			OriginalAmount:   ff.Amount,
			Reason:           req.Reason,
			Documents:        req.Documents,
			AdminID:          req.AdminID,
			RefundAmount:     ff.Amount - fee,
			ProcessingFee:    fee,
			NewPendingID:     s.idGenerator(),
			At:               now,
		}
		ok, err := s.repo.ApproveClaim(ctx, approval)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimNotEligible
		}

		result = ClaimResult{
			ForfeitedID:   ff.ID,
			RefundAmount:  approval.RefundAmount,
			ProcessingFee: fee,
			NewPendingID:  approval.NewPendingID,
		}
		s.raise(ctx, alert.Alert{
			ID:       alert.DeterministicID(alert.TypeExceptionalClaimGrant, ff.ID),
			Type:     alert.TypeExceptionalClaimGrant,
			Priority: alert.PriorityMedium,
			Title:    "Exceptional claim approved",
			Message:  fmt.Sprintf("Claim on %s approved by %s: refund %d, fee %d", ff.ID, req.AdminID, result.RefundAmount, fee),
			Details: map[string]any{
				"forfeited_id":   ff.ID,
				"claim_reason":   string(req.Reason),
				"refund_amount":  result.RefundAmount,
				"processing_fee": fee,
				"new_pending_id": result.NewPendingID,
				"processed_by":   req.AdminID,
			},
		})
		if _, _, err := s.notifier.Emit(ctx, claimApprovedEvent(ff, result)); err != nil {
			s.logger.Warn("emit claim approved event", "forfeited_id", ff.ID, "error", err)
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// CheckBalance compares the available balance with what escrow could owe.
// A failing balance provider is logged and treated as adequate so the sweep
// is never blocked on it.
func (s *Service) CheckBalance(ctx context.Context) (BalanceCheck, error) {
	if s.balance == nil {
		return BalanceCheck{Adequate: true, Err: "no balance provider"}, nil
	}
	pending, err := s.repo.PendingTotal(ctx)
	if err != nil {
		return BalanceCheck{}, err
	}
	check := BalanceCheck{Required: pending + s.cfg.BalanceBuffer}

	available, err := s.balance.AvailableBalance(ctx)
	if err != nil {
		s.logger.Warn("balance provider failed, assuming adequate", "error", err)
		check.Adequate = true
		check.Err = err.Error()
		return check, nil
	}
	check.Available = available
	check.Adequate = available >= check.Required

	if !check.Adequate {
		s.raise(ctx, alert.Alert{
			ID:       alert.DeterministicID(alert.TypeInsufficientBalance, s.now().UTC().Format("2006-01-02")),
			Type:     alert.TypeInsufficientBalance,
			Priority: alert.PriorityCritical,
			Title:    "Insufficient balance for escrowed funds",
			Message:  fmt.Sprintf("Available %d is below required %d", available, check.Required),
			Details: map[string]any{
				"available": available,
				"required":  check.Required,
				"pending":   pending,
				"buffer":    s.cfg.BalanceBuffer,
				"shortfall": check.Required - available,
			},
			RequiresAction: true,
		})
	}
	return check, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx, s.now().UTC())
}

func (s *Service) raise(ctx context.Context, a alert.Alert) {
	if _, err := s.alerts.Raise(ctx, a); err != nil {
		s.logger.Error("raise alert", "type", a.Type, "error", err)
	}
}

func ageInDays(created, now time.Time) int {
	if now.Before(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}
