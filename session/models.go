package session

import "time"

// Status is the lifecycle of the meeting itself.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// PaymentStatus is the custody of funds, an independent axis from Status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// Session is one booked engagement between a seeker and a professional.
type Session struct {
	ID                     string
	SeekerID               string
	ProfessionalID         string
	StartsAt               time.Time
	EndsAt                 time.Time
	Status                 Status
	PaymentStatus          PaymentStatus
	AmountCents            int64
	OfferBonusCents        int64
	SeekerFeedbackAt       *time.Time
	ProfessionalFeedbackAt *time.Time
	CancelReason           *string
	RefundReason           *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Verification is an immutable evidence record attached after the meeting.
// Rows are append-only; the most recent one is authoritative.
type Verification struct {
	ID               int64
	SessionID        string
	Verified         bool
	Method           string
	DurationMinutes  int
	ParticipantCount int
	Reason           string
	RecordedAt       time.Time
}

// Filters narrows List results.
type Filters struct {
	SeekerID       string
	ProfessionalID string
	Status         Status
	PaymentStatus  PaymentStatus
	Page           int
	PageSize       int
}
