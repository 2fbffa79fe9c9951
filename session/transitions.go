package session

// Terminal reports whether the lifecycle status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

// Terminal reports whether the payment axis is settled for good.
func (p PaymentStatus) Terminal() bool {
	return p == PaymentReleased || p == PaymentRefunded
}

// CanTransition is the lifecycle legality table: requested -> scheduled ->
// in_progress -> completed, with cancelled and no_show reachable from any
// non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusNoShow:
		return true
	case StatusScheduled:
		return from == StatusRequested
	case StatusInProgress:
		return from == StatusScheduled
	case StatusCompleted:
		return from == StatusScheduled || from == StatusInProgress
	default:
		return false
	}
}

// CanPay is the monotonic payment legality table: pending -> paid ->
// released, or pending|paid -> refunded. Released and refunded are terminal.
func CanPay(from, to PaymentStatus) bool {
	switch to {
	case PaymentPaid:
		return from == PaymentPending
	case PaymentReleased:
		return from == PaymentPaid
	case PaymentRefunded:
		return from == PaymentPending || from == PaymentPaid
	default:
		return false
	}
}

// FeedbackExchanged reports whether both parties have submitted feedback.
// The job-offer gate and the bilateral-feedback invariant both live here so
// the rule is stated exactly once.
func FeedbackExchanged(s Session) bool {
	return s.SeekerFeedbackAt != nil && s.ProfessionalFeedbackAt != nil
}

// ReleaseEligible reports whether escrow may leave custody: the session is
// completed and either the latest evidence verifies the meeting or the
// caller holds admin override authority.
func ReleaseEligible(s Session, latest *Verification, adminOverride bool) bool {
	if s.Status != StatusCompleted {
		return false
	}
	if adminOverride {
		return true
	}
	return latest != nil && latest.Verified
}
