package referral

import "time"

// Status is the reward lifecycle: pending -> verified -> rewarded, or
// pending -> rejected.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRewarded Status = "rewarded"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRewarded || s == StatusRejected
}

// Referral is a professional's claim that they referred a candidate to a
// colleague. The claim earns a payout only after the email-domain scan
// independently verifies it.
type Referral struct {
	ID                  string
	ProfessionalID      string
	CandidateEmail      string
	ColleagueEmail      string
	Status              Status
	EmailDomainVerified bool
	RewardAmountCents   *int64
	PayoutDate          *time.Time
	RejectReason        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Filters narrows List results.
type Filters struct {
	ProfessionalID string
	Status         Status
	Page           int
	PageSize       int
}
