package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Alert types raised by the reliability jobs.
const (
	TypePayoutMaxRetries      = "payout_max_retries"
	TypePayoutRetrySuccess    = "payout_retry_success"
	TypePayoutIntegrity       = "payout_task_integrity"
	TypeEscrowEscalation      = "escrow_escalation"
	TypeEscrowForfeiture      = "escrow_forfeiture"
	TypeEscrowThreshold       = "escrow_threshold_exceeded"
	TypeInsufficientBalance   = "insufficient_balance"
	TypeDeliveryDLQ           = "notification_dlq"
	TypeCleanupTaskTimeout    = "cleanup_task_timeout"
	TypeCleanupStaleTasks     = "cleanup_stale_tasks"
	TypeExceptionalClaimGrant = "exceptional_claim_approved"
)

var ErrInvalidPriority = errors.New("alert: invalid priority")

var idNamespace = uuid.MustParse("6f1c1a52-93f5-4a0e-9c61-5b1f0d7e2a10")

// DeterministicID derives a stable alert id from parts. Raising two alerts
// with the same id stores only the first.
func DeterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}

// Alert is a human-actionable record in admin_alerts.
type Alert struct {
	ID             string
	Type           string
	Priority       Priority
	Title          string
	Message        string
	Details        map[string]any
	RequiresAction bool
	Read           bool
	CreatedAt      time.Time
}

// Sink accepts alerts. Components depend on this rather than on storage.
type Sink interface {
	Raise(ctx context.Context, a Alert) (Alert, error)
}

// Repository persists alerts.
type Repository interface {
	Insert(ctx context.Context, a Alert) error
	ListUnread(ctx context.Context, limit int) ([]Alert, error)
	MarkRead(ctx context.Context, id string) error
}

type Service struct {
	repo        Repository
	now         func() time.Time
	idGenerator func() string
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		now:         time.Now,
		idGenerator: uuid.NewString,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides alert id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGenerator = gen
	}
	return s
}

// Raise validates and stores an alert, filling id and timestamp.
func (s *Service) Raise(ctx context.Context, a Alert) (Alert, error) {
	if !a.Priority.Valid() {
		return Alert{}, fmt.Errorf("%w: %q", ErrInvalidPriority, a.Priority)
	}
	if a.Type == "" {
		return Alert{}, fmt.Errorf("alert: missing type")
	}
	if a.ID == "" {
		a.ID = s.idGenerator()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if a.Details == nil {
		a.Details = map[string]any{}
	}
	if err := s.repo.Insert(ctx, a); err != nil {
		return Alert{}, err
	}
	return a, nil
}

// ListUnread returns the newest unread alerts.
func (s *Service) ListUnread(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListUnread(ctx, limit)
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.repo.MarkRead(ctx, id)
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}
