package signal

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"mentorflow/party"
	"mentorflow/referral"
	"mentorflow/session"
)

func newTestDispatcher(sessions *fakeSessionSink, referrals *fakeReferralSink) *Dispatcher {
	return NewDispatcher(NewAdapter(testSecret), sessions, referrals).
		WithLogger(log.New(io.Discard, "", 0))
}

func TestHandleMeetingReport_AppliesVerification(t *testing.T) {
	sessions := &fakeSessionSink{}
	disp := newTestDispatcher(sessions, &fakeReferralSink{})

	token := signEnvelope(t, testSecret, map[string]any{
		"sessionId":        "sess-1",
		"verified":         true,
		"durationMinutes":  30,
		"participantCount": 2,
	})
	if err := disp.HandleMeetingReport(context.Background(), token); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(sessions.verifications) != 1 {
		t.Fatalf("expected one verification, got %d", len(sessions.verifications))
	}
	if !sessions.verifications[0].Verified {
		t.Errorf("expected verified evidence")
	}
}

func TestHandleMeetingReport_DropsBadSignature(t *testing.T) {
	sessions := &fakeSessionSink{}
	disp := newTestDispatcher(sessions, &fakeReferralSink{})

	token := signEnvelope(t, "wrong-secret", map[string]any{"sessionId": "sess-1"})
	if err := disp.HandleMeetingReport(context.Background(), token); err != nil {
		t.Fatalf("expected bad signature to be dropped silently, got %v", err)
	}
	if len(sessions.verifications) != 0 {
		t.Errorf("expected no verification applied")
	}
}

func TestHandleDomainScan_DropsServiceError(t *testing.T) {
	referrals := &fakeReferralSink{err: errors.New("referral missing")}
	disp := newTestDispatcher(&fakeSessionSink{}, referrals)

	token := signEnvelope(t, testSecret, map[string]any{"referralId": "ref-1", "domainVerified": true})
	if err := disp.HandleDomainScan(context.Background(), token); err != nil {
		t.Fatalf("expected service failure to be dropped, got %v", err)
	}
	if referrals.calls != 1 {
		t.Errorf("expected the scan to be attempted once")
	}
}

func TestHandleFeedback_RoutesToSession(t *testing.T) {
	sessions := &fakeSessionSink{}
	disp := newTestDispatcher(sessions, &fakeReferralSink{})

	token := signEnvelope(t, testSecret, map[string]any{
		"sessionId":  "sess-1",
		"party":      "professional",
		"actorId":    "pro-1",
		"providedAt": "2026-03-10T16:00:00Z",
	})
	if err := disp.HandleFeedback(context.Background(), token); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(sessions.feedback) != 1 {
		t.Fatalf("expected one feedback submission")
	}
	if sessions.feedback[0].Role != party.RoleProfessional || sessions.feedback[0].ID != "pro-1" {
		t.Errorf("unexpected feedback actor: %+v", sessions.feedback[0])
	}
}

type fakeSessionSink struct {
	verifications []session.Verification
	feedback      []party.Actor
	err           error
}

func (f *fakeSessionSink) ApplyVerification(ctx context.Context, sessionID string, ev session.Verification) (session.Verification, error) {
	if f.err != nil {
		return session.Verification{}, f.err
	}
	f.verifications = append(f.verifications, ev)
	return ev, nil
}

func (f *fakeSessionSink) SubmitFeedback(ctx context.Context, sessionID string, actor party.Actor, providedAt time.Time) (session.Session, error) {
	if f.err != nil {
		return session.Session{}, f.err
	}
	f.feedback = append(f.feedback, actor)
	return session.Session{ID: sessionID}, nil
}

type fakeReferralSink struct {
	calls int
	err   error
}

func (f *fakeReferralSink) ApplyDomainScan(ctx context.Context, referralID string, domainVerified bool) (referral.Referral, error) {
	f.calls++
	if f.err != nil {
		return referral.Referral{}, f.err
	}
	return referral.Referral{ID: referralID, EmailDomainVerified: domainVerified}, nil
}
