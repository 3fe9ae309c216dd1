package escrow

import (
	"fmt"
	"time"
)

type Config struct {
	ReminderDays         []int
	ReminderGraceDays    int
	EscalationDays       int
	ForfeitureDays       int
	ClaimWindowDays      int
	ClaimFeePercent      int
	BalanceBuffer        int64
	EscrowAlertThreshold int64
	BatchSize            int
	SweepLockTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReminderDays:         []int{7, 30, 60, 90, 120, 150},
		ReminderGraceDays:    2,
		EscalationDays:       180,
		ForfeitureDays:       180,
		ClaimWindowDays:      365,
		ClaimFeePercent:      20,
		BalanceBuffer:        50_000,
		EscrowAlertThreshold: 10_000_000,
		BatchSize:            500,
		SweepLockTTL:         10 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.EscalationDays <= 0 || c.ForfeitureDays <= 0 {
		return fmt.Errorf("escrow: escalation and forfeiture days must be positive")
	}
	if c.ForfeitureDays < c.EscalationDays {
		return fmt.Errorf("escrow: forfeiture (%d days) must not precede escalation (%d days)", c.ForfeitureDays, c.EscalationDays)
	}
	if c.ClaimFeePercent < 0 || c.ClaimFeePercent > 100 {
		return fmt.Errorf("escrow: claim fee percent must be within 0..100")
	}
	if c.ReminderGraceDays < 1 {
		return fmt.Errorf("escrow: reminder grace must be at least one day")
	}
	prev := 0
	for _, d := range c.ReminderDays {
		if d <= prev {
			return fmt.Errorf("escrow: reminder days must be positive and increasing")
		}
		prev = d
	}
	return nil
}

// PendingFund is money held for an owner who has not completed
// verification. Amount never changes once recorded.
type PendingFund struct {
	ID                string
	OwnerID           string
	Amount            int64
	Currency          string
	Status            Status
	Reason            string
	RemindersSent     []int
	EscalatedAt       *time.Time
	ForfeitedAt       *time.Time
	SourceForfeitedID string
	CreatedAt         time.Time
}

func (p PendingFund) reminderSent(day int) bool {
	for _, d := range p.RemindersSent {
		if d == day {
			return true
		}
	}
	return false
}

type ForfeitedFund struct {
	ID                       string
	OriginalRecordID         string
	OwnerID                  string
	Amount                   int64
	Currency                 string
	ForfeitedAt              time.Time
	ExceptionalClaimDeadline time.Time
	ClaimStatus              ClaimStatus
	ClaimReason              string
	RefundAmount             *int64
	ProcessingFee            *int64
	ClaimProcessedBy         string
	ClaimProcessedAt         *time.Time
}

type ClaimRequest struct {
	Reason    ClaimReason
	Documents []string
	AdminID   string
}

type ClaimResult struct {
	ForfeitedID   string
	RefundAmount  int64
	ProcessingFee int64
	NewPendingID  string
}

// ClaimApproval is everything written when a claim is granted.
type ClaimApproval struct {
	ForfeitedID      string
	OriginalRecordID string
	OwnerID          string
	Currency         string
	OriginalAmount   int64
	Reason           ClaimReason
	Documents        []string
	AdminID          string
	RefundAmount     int64
	ProcessingFee    int64
	NewPendingID     string
	At               time.Time
}

type ReminderCounts struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type ForfeitureCounts struct {
	Processed int   `json:"processed"`
	Amount    int64 `json:"amount"`
	Failed    int   `json:"failed"`
}

type SweepResult struct {
	Skipped       bool             `json:"skipped"`
	Scanned       int              `json:"scanned"`
	Reminders     ReminderCounts   `json:"reminders"`
	Escalations   int              `json:"escalations"`
	Forfeitures   ForfeitureCounts `json:"forfeitures"`
	ClaimsExpired int              `json:"claimsExpired"`
	Stats         Stats            `json:"stats"`
	Balance       *BalanceCheck    `json:"balance,omitempty"`
}

type Stats struct {
	PendingCount       int            `json:"pendingCount"`
	PendingAmount      int64          `json:"pendingAmount"`
	EscalatedCount     int            `json:"escalatedCount"`
	ForfeitedCount     int            `json:"forfeitedCount"`
	ForfeitedAmount    int64          `json:"forfeitedAmount"`
	PendingByAge       map[string]int `json:"pendingByAge"`
	OldestPendingDays  int            `json:"oldestPendingDays"`
	TotalEscrowedFunds int64          `json:"totalEscrowedFunds"`
}

type BalanceCheck struct {
	Adequate  bool   `json:"adequate"`
	Available int64  `json:"available"`
	Required  int64  `json:"required"`
	Err       string `json:"error,omitempty"`
}

// ageBuckets are the reporting bands for open records, in days.
var ageBuckets = []struct {
	label string
	upTo  int
}{
	{"0-30", 30},
	{"31-60", 60},
	{"61-90", 90},
	{"91-120", 120},
	{"121-150", 150},
	{"151-180", 180},
}

func ageBucket(days int) string {
	for _, b := range ageBuckets {
		if days <= b.upTo {
			return b.label
		}
	}
	return "180+"
}

func emptyBuckets() map[string]int {
	m := make(map[string]int, len(ageBuckets))
	for _, b := range ageBuckets {
		m[b.label] = 0
	}
	return m
}

// add folds count open records of the given age into the stats.
func (s *Stats) add(ageDays int, status Status, count int, amount int64) {
	if s.PendingByAge == nil {
		s.PendingByAge = emptyBuckets()
	}
	s.PendingCount += count
	s.PendingAmount += amount
	s.TotalEscrowedFunds += amount
	if status == StatusEscalated {
		s.EscalatedCount += count
	}
	s.PendingByAge[ageBucket(ageDays)] += count
	if ageDays > s.OldestPendingDays {
		s.OldestPendingDays = ageDays
	}
}
