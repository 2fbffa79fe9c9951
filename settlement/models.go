package settlement

import (
	"errors"
	"time"
)

// EntityType names the three settleable entities. The orchestrator is the
// only component allowed to move any of them into a terminal payout state.
type EntityType string

const (
	EntitySession  EntityType = "session"
	EntityReferral EntityType = "referral"
	EntityJobOffer EntityType = "job_offer"
)

// Outcome classifies a payout request. AlreadySettled is a benign no-op,
// never surfaced as an error.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeAlreadySettled Outcome = "already_settled"
)

var (
	// ErrDuplicateIdempotencyKey signals the reservation insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("settlement: duplicate idempotency key")
	// ErrEntityNotFound is returned when no row exists for the entity id.
	ErrEntityNotFound = errors.New("settlement: entity not found")
	// ErrInvalidTransition signals the entity is not in a payable state.
	ErrInvalidTransition = errors.New("settlement: invalid transition")
	// ErrPayoutFailed signals the external processor rejected or timed out.
	// The entity state has been rolled back; retry with the same key.
	ErrPayoutFailed = errors.New("settlement: payout failed")
)

// PayoutRequest asks the orchestrator to settle one entity exactly once.
type PayoutRequest struct {
	EntityType         EntityType
	EntityID           string
	AmountCents        int64
	DestinationAccount string
	IdempotencyKey     string
	ActorID            *string
}

// RefundRequest reverses session escrow custody. Cross-entity effects such
// as cancellation refunds route through here so the at-most-once guarantee
// stays centralized.
type RefundRequest struct {
	SessionID          string
	AmountCents        int64
	DestinationAccount string
	Reason             string
	IdempotencyKey     string
	ActorID            *string
}

// PayoutResult reports how a request settled.
type PayoutResult struct {
	Outcome      Outcome
	ProcessorRef string
	SettledAt    time.Time
}
