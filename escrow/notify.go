package escrow

import (
	"context"
	"fmt"

	"fundflow/delivery"
)

// Notifier accepts owner-facing events. delivery.Service satisfies it.
type Notifier interface {
	Emit(ctx context.Context, ev delivery.Event) (delivery.Event, bool, error)
}

const (
	EventReminderInitial  = "unclaimed_funds.reminder.initial"
	EventReminderFollowup = "unclaimed_funds.reminder.followup"
	EventReminderUrgent   = "unclaimed_funds.reminder.urgent"
	EventEscalated        = "unclaimed_funds.escalated"
	EventForfeited        = "unclaimed_funds.forfeited"
	EventClaimApproved    = "unclaimed_funds.claim_approved"
)

// ReminderEventType picks the reminder template by how late the threshold is.
func ReminderEventType(day int) string {
	switch {
	case day <= 30:
		return EventReminderInitial
	case day <= 90:
		return EventReminderFollowup
	default:
		return EventReminderUrgent
	}
}

func reminderDedupeKey(recordID string, day int) string {
	return fmt.Sprintf("unclaimed_funds_reminder_%s_%d", recordID, day)
}

func (s *Service) reminderEvent(p PendingFund, day, ageDays int) delivery.Event {
	return delivery.Event{
		EventType: ReminderEventType(day),
		OwnerID:   p.OwnerID,
		DedupeKey: reminderDedupeKey(p.ID, day),
		Payload: map[string]any{
			"pendingFundId":   p.ID,
			"amount":          p.Amount,
			"currency":        p.Currency,
			"daysRemaining":   s.cfg.ForfeitureDays - ageDays,
			"reminderNumber":  s.reminderNumber(day),
			"totalReminders":  len(s.cfg.ReminderDays),
			"forfeitureDate":  p.CreatedAt.AddDate(0, 0, s.cfg.ForfeitureDays).Format("2006-01-02"),
			"urgentReminder":  day >= 120,
			"reminderDayMark": day,
		},
	}
}

func (s *Service) reminderNumber(day int) int {
	for i, d := range s.cfg.ReminderDays {
		if d == day {
			return i + 1
		}
	}
	return 0
}

func escalationEvent(p PendingFund, ageDays int) delivery.Event {
	return delivery.Event{
		EventType: EventEscalated,
		OwnerID:   p.OwnerID,
		DedupeKey: "unclaimed_funds_escalated_" + p.ID,
		Payload: map[string]any{
			"pendingFundId": p.ID,
			"amount":        p.Amount,
			"currency":      p.Currency,
			"ageDays":       ageDays,
		},
	}
}

func (s *Service) forfeitureEvent(ff ForfeitedFund) delivery.Event {
	return delivery.Event{
		EventType: EventForfeited,
		OwnerID:   ff.OwnerID,
		DedupeKey: "unclaimed_funds_forfeited_" + ff.OriginalRecordID,
		Payload: map[string]any{
			"pendingFundId":            ff.OriginalRecordID,
			"forfeitedId":              ff.ID,
			"amount":                   ff.Amount,
			"currency":                 ff.Currency,
			"exceptionalClaimDeadline": ff.ExceptionalClaimDeadline.Format("2006-01-02"),
			"exceptionalClaimFee":      s.cfg.ClaimFeePercent,
		},
	}
}

func claimApprovedEvent(ff ForfeitedFund, res ClaimResult) delivery.Event {
	return delivery.Event{
		EventType: EventClaimApproved,
		OwnerID:   ff.OwnerID,
		DedupeKey: "unclaimed_funds_claim_approved_" + ff.ID,
		Payload: map[string]any{
			"forfeitedId":   ff.ID,
			"refundAmount":  res.RefundAmount,
			"processingFee": res.ProcessingFee,
			"currency":      ff.Currency,
			"newPendingId":  res.NewPendingID,
		},
	}
}
