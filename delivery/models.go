package delivery

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusFailed            Status = "failed"
	StatusRetrying          Status = "retrying"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusMovedToDLQ        Status = "moved_to_dlq"
	StatusSent              Status = "sent"
)

var terminalStatuses = map[Status]bool{
	StatusPermanentlyFailed: true,
	StatusMovedToDLQ:        true,
	StatusSent:              true,
}

var validTransitions = map[Status]map[Status]bool{
	StatusFailed: {
		StatusRetrying:          true,
		StatusPermanentlyFailed: true,
		StatusMovedToDLQ:        true,
	},
	StatusRetrying: {
		StatusRetrying: true,
		StatusFailed:   true,
		StatusSent:     true,
	},
}

func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("delivery: cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("delivery: unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("delivery: invalid transition: %q → %q", from, to)
	}
	return nil
}

// Record is one channel's delivery attempt for an event.
type Record struct {
	ID          string
	EventID     string
	Channel     Channel
	Recipient   string
	RetryCount  int
	Status      Status
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a notification trigger. ForceChannels limits fan-out; an empty
// list means the owner's configured channels.
type Event struct {
	ID                string
	EventType         string
	OwnerID           string
	Payload           map[string]any
	ForceChannels     []Channel
	DedupeKey         string
	RetryOfDeliveryID string
	CreatedAt         time.Time
}

// Attempt is a transport's report of one send.
type Attempt struct {
	EventID   string
	Channel   Channel
	Recipient string
	Success   bool
	Error     string
}

type BatchResult struct {
	Retried           int
	Succeeded         int
	MovedToDLQ        int
	Skipped           int
	PermanentlyFailed int
	Errors            int
}

type DLQStats struct {
	Total             int
	ByChannel         map[Channel]int
	OldestMovedAt     *time.Time
	PendingFailed     int
	Retrying          int
	PermanentlyFailed int
}
