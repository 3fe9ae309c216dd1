package retry

import "fmt"

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskExecuting TaskStatus = "executing"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskExhausted TaskStatus = "exhausted"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskSucceeded: true,
	TaskFailed:    true,
	TaskExhausted: true,
}

// executing → scheduled happens when the payout lock is contended and the
// task is handed back to the poller without spending an attempt.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskScheduled: {
		TaskExecuting: true,
	},
	TaskExecuting: {
		TaskScheduled: true,
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskExhausted: true,
	},
}

func (s TaskStatus) Terminal() bool {
	return terminalTaskStatuses[s]
}

// ValidateTaskTransition reports whether from → to is allowed.
func ValidateTaskTransition(from, to TaskStatus) error {
	if from.Terminal() {
		return fmt.Errorf("retry: cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("retry: unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("retry: invalid task transition: %q → %q", from, to)
	}
	return nil
}

// PayoutStatus is the state of a failed-payout record.
type PayoutStatus string

const (
	PayoutPending           PayoutStatus = "pending"
	PayoutFailed            PayoutStatus = "failed"
	PayoutSuccess           PayoutStatus = "success"
	PayoutResolved          PayoutStatus = "resolved"
	PayoutMaxRetriesReached PayoutStatus = "max_retries_reached"
)

// Settled reports whether the money already moved.
func (s PayoutStatus) Settled() bool {
	return s == PayoutSuccess || s == PayoutResolved
}

var validPayoutTransitions = map[PayoutStatus]map[PayoutStatus]bool{
	PayoutPending: {
		PayoutFailed:            true,
		PayoutSuccess:           true,
		PayoutResolved:          true,
		PayoutMaxRetriesReached: true,
	},
	PayoutFailed: {
		PayoutFailed:            true,
		PayoutSuccess:           true,
		PayoutResolved:          true,
		PayoutMaxRetriesReached: true,
	},
	// an admin may still settle an exhausted payout by hand
	PayoutMaxRetriesReached: {
		PayoutFailed:   true,
		PayoutResolved: true,
	},
}

// ValidatePayoutTransition reports whether from → to is allowed.
func ValidatePayoutTransition(from, to PayoutStatus) error {
	allowed, ok := validPayoutTransitions[from]
	if !ok {
		return fmt.Errorf("retry: payout in terminal status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("retry: invalid payout transition: %q → %q", from, to)
	}
	return nil
}
