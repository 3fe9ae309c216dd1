package retry

import (
	"context"
	"fmt"
	"time"
)

// Payload keys carried on payout retry tasks.
const (
	PayloadFailedPayoutID = "failedPayoutAlertId"
	PayloadOrderID        = "orderId"
)

// Task is one scheduled attempt in a retry chain.
type Task struct {
	ID           string
	OperationKey string
	OwnerID      string
	Payload      map[string]any
	RetryCount   int
	MaxRetries   int
	Status       TaskStatus
	ScheduledAt  time.Time
	DispatchedAt *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	LastError    string
	ErrorCode    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FailedPayoutID returns the failed-payout reference carried in the payload.
func (t Task) FailedPayoutID() string {
	v, _ := t.Payload[PayloadFailedPayoutID].(string)
	return v
}

// FailedPayout is the upstream failure record a retry chain repairs.
type FailedPayout struct {
	ID                string
	OrderID           string
	ProviderID        string
	PayoutDestination string
	Amount            int64
	Currency          string
	Status            PayoutStatus
	RetryCount        int
	RetryScheduled    bool
	RetryTaskID       string
	NextRetryAt       *time.Time
	LastRetryError    string
	PayoutBatchID     string
	ResolvedAt        *time.Time
	CreatedAt         time.Time
}

type ScheduleRequest struct {
	OperationKey string
	OwnerID      string
	Payload      map[string]any
	// RetryCount is the number of attempts that already failed.
	RetryCount int
	MaxRetries int
	Policy     Policy
}

type ScheduleResult struct {
	Scheduled   bool
	Duplicate   bool
	TaskID      string
	Delay       time.Duration
	ScheduledAt time.Time
	Reason      string
}

// ActionKind enumerates what happens to a chain after one execution.
// ActionFail ends a chain whose task no longer matches stored state.
type ActionKind string

const (
	ActionNone       ActionKind = "none"
	ActionResolve    ActionKind = "resolve"
	ActionReschedule ActionKind = "reschedule"
	ActionEscalate   ActionKind = "escalate"
	ActionFail       ActionKind = "fail"
)

// NextAction is the decision produced by an execution and applied by the
// scheduler's dispatcher.
type NextAction struct {
	Kind    ActionKind
	Delay   time.Duration
	BatchID string
	Reason  string
	Err     error
}

type ExecuteResult struct {
	TaskID     string
	Success    bool
	NextAction NextAction
	// Contended is set when the payout lock was held and the task was put back.
	Contended bool
	// NextTaskID is the follow-up task created by a reschedule.
	NextTaskID string
}

// PayoutRequest is what the payment gateway needs to move money.
type PayoutRequest struct {
	IdempotencyKey string
	OrderID        string
	ProviderID     string
	Destination    string
	Amount         int64
	Currency       string
}

type PayoutResult struct {
	BatchID string
	Status  string
}

// PayoutExecutor is the payment gateway boundary. Implementations must treat
// IdempotencyKey as the gateway's own dedupe key.
type PayoutExecutor interface {
	ExecutePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// ResolveParams records a successful payout on both the failure record and
// the order.
type ResolveParams struct {
	FailedPayoutID string
	OrderID        string
	BatchID        string
	RetryCount     int
	Method         string
	ResolvedBy     string
	At             time.Time
}

// TaskID builds the deterministic id for attempt n of operationKey.
func TaskID(prefix, operationKey string, attempt int) string {
	return fmt.Sprintf("%s-%s-%d", prefix, operationKey, attempt)
}
