package joboffer

import (
	"time"

	"mentorflow/party"
)

// Status is the bonus lifecycle: reported -> confirmed -> paid.
type Status string

const (
	StatusReported  Status = "reported"
	StatusConfirmed Status = "confirmed"
	StatusPaid      Status = "paid"
)

// Offer is a claim that a session led to a hire. It is jointly referenced
// by both participants but mutated only through the service and the
// settlement orchestrator.
type Offer struct {
	ID               string
	SessionID        string
	Status           Status
	ReportedBy       party.OfferParty
	ConfirmedBy      *party.OfferParty
	BonusAmountCents int64
	Company          string
	JobTitle         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
