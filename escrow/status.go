package escrow

import "fmt"

// Status is the lifecycle state of a pending fund record.
type Status string

const (
	StatusPending                Status = "pending"
	StatusEscalated              Status = "escalated"
	StatusForfeited              Status = "forfeited"
	StatusClaimedAfterForfeiture Status = "claimed_after_forfeiture"
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusEscalated: true,
		StatusForfeited: true,
	},
	StatusEscalated: {
		StatusForfeited: true,
	},
	StatusForfeited: {
		StatusClaimedAfterForfeiture: true,
	},
}

// Open reports whether the record still sits in escrow.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusEscalated
}

func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

func ValidateTransition(from, to Status) error {
	if _, ok := validTransitions[from]; !ok && from != StatusClaimedAfterForfeiture {
		return fmt.Errorf("escrow: unknown status %q", from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("escrow: invalid transition: %q → %q", from, to)
	}
	return nil
}

// ClaimStatus tracks the exceptional-claim window of a forfeited record.
type ClaimStatus string

const (
	ClaimEligible ClaimStatus = "eligible"
	ClaimApproved ClaimStatus = "approved"
	ClaimExpired  ClaimStatus = "expired"
)

// ClaimReason is the accepted justification for a late claim.
type ClaimReason string

const (
	ClaimMedicalIncapacity ClaimReason = "medical_incapacity"
	ClaimForceMajeure      ClaimReason = "force_majeure"
	ClaimPlatformError     ClaimReason = "platform_error"
)

func (r ClaimReason) Valid() bool {
	switch r {
	case ClaimMedicalIncapacity, ClaimForceMajeure, ClaimPlatformError:
		return true
	default:
		return false
	}
}
