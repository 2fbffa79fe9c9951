package signal

import (
	"context"
	"log"
	"time"

	"mentorflow/party"
	"mentorflow/referral"
	"mentorflow/session"
)

// SessionSink is the session-service surface the dispatcher drives.
type SessionSink interface {
	ApplyVerification(ctx context.Context, sessionID string, ev session.Verification) (session.Verification, error)
	SubmitFeedback(ctx context.Context, sessionID string, actor party.Actor, providedAt time.Time) (session.Session, error)
}

// ReferralSink is the referral-service surface the dispatcher drives.
type ReferralSink interface {
	ApplyDomainScan(ctx context.Context, referralID string, domainVerified bool) (referral.Referral, error)
}

// Dispatcher routes normalized claims to the owning state machine. A
// malformed or rejected signal is logged and dropped; the external caller
// never sees a failure for someone else's bad payload.
type Dispatcher struct {
	adapter   *Adapter
	sessions  SessionSink
	referrals ReferralSink
	logger    *log.Logger
}

func NewDispatcher(adapter *Adapter, sessions SessionSink, referrals ReferralSink) *Dispatcher {
	return &Dispatcher{
		adapter:   adapter,
		sessions:  sessions,
		referrals: referrals,
		logger:    log.Default(),
	}
}

func (d *Dispatcher) WithLogger(logger *log.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// HandleMeetingReport verifies, normalizes and applies a meeting-provider
// webhook. Always returns nil; failures are dropped after logging.
func (d *Dispatcher) HandleMeetingReport(ctx context.Context, token string) error {
	raw, err := d.adapter.VerifyEnvelope(token)
	if err != nil {
		d.drop("meeting report", err)
		return nil
	}
	claim, err := d.adapter.NormalizeMeetingReport(raw)
	if err != nil {
		d.drop("meeting report", err)
		return nil
	}
	d.Dispatch(ctx, claim)
	return nil
}

// HandleDomainScan verifies, normalizes and applies a domain-scan webhook.
func (d *Dispatcher) HandleDomainScan(ctx context.Context, token string) error {
	raw, err := d.adapter.VerifyEnvelope(token)
	if err != nil {
		d.drop("domain scan", err)
		return nil
	}
	claim, err := d.adapter.NormalizeDomainScan(raw)
	if err != nil {
		d.drop("domain scan", err)
		return nil
	}
	d.Dispatch(ctx, claim)
	return nil
}

// HandleFeedback verifies, normalizes and applies a feedback-submitted
// webhook.
func (d *Dispatcher) HandleFeedback(ctx context.Context, token string) error {
	raw, err := d.adapter.VerifyEnvelope(token)
	if err != nil {
		d.drop("feedback", err)
		return nil
	}
	claim, err := d.adapter.NormalizeFeedback(raw)
	if err != nil {
		d.drop("feedback", err)
		return nil
	}
	d.Dispatch(ctx, claim)
	return nil
}

// Dispatch applies a normalized claim to the owning service.
func (d *Dispatcher) Dispatch(ctx context.Context, claim Claim) {
	switch claim.ClaimType {
	case ClaimSession:
		_, err := d.sessions.ApplyVerification(ctx, claim.ClaimID, session.Verification{
			SessionID:        claim.ClaimID,
			Verified:         claim.Verified,
			Method:           claim.Method,
			DurationMinutes:  claim.DurationMinutes,
			ParticipantCount: claim.ParticipantCount,
			Reason:           claim.Reason,
		})
		if err != nil {
			d.drop("session verification", err)
		}
	case ClaimReferral:
		if _, err := d.referrals.ApplyDomainScan(ctx, claim.ClaimID, claim.DomainVerified); err != nil {
			d.drop("referral domain scan", err)
		}
	case ClaimFeedback:
		actor := party.Actor{ID: claim.ActorID, Role: claim.Party}
		if _, err := d.sessions.SubmitFeedback(ctx, claim.ClaimID, actor, claim.ProvidedAt); err != nil {
			d.drop("session feedback", err)
		}
	default:
		d.logger.Printf("signal: dropped claim with unknown type %q", claim.ClaimType)
	}
}

func (d *Dispatcher) drop(kind string, err error) {
	d.logger.Printf("signal: dropped %s: %v", kind, err)
}
