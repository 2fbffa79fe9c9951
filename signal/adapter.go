package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mentorflow/party"
)

var (
	// ErrBadEnvelope signals the webhook envelope failed signature or
	// structural checks.
	ErrBadEnvelope = errors.New("signal: bad envelope")
	// ErrMalformed signals a payload that does not normalize to a claim.
	ErrMalformed = errors.New("signal: malformed payload")
)

// ClaimType identifies which state machine a claim targets.
type ClaimType string

const (
	ClaimSession  ClaimType = "session"
	ClaimReferral ClaimType = "referral"
	ClaimFeedback ClaimType = "feedback"
)

// Claim is the normalized form of an external verification signal. The
// adapter only translates; it never mutates business state.
type Claim struct {
	ClaimType ClaimType
	ClaimID   string

	// Session meeting-report fields.
	Verified         bool
	Method           string
	DurationMinutes  int
	ParticipantCount int
	Reason           string

	// Referral domain-scan field.
	DomainVerified bool

	// Feedback fields.
	Party      party.Role
	ActorID    string
	ProvidedAt time.Time
}

// Adapter normalizes raw provider payloads into Claims and verifies the
// HS256 envelopes they arrive in.
type Adapter struct {
	secret []byte
}

func NewAdapter(webhookSecret string) *Adapter {
	return &Adapter{secret: []byte(webhookSecret)}
}

// VerifyEnvelope checks the HS256 signature of a webhook envelope and
// returns the embedded payload. The payload travels in the "body" claim
// as a JSON string.
func (a *Adapter) VerifyEnvelope(token string) ([]byte, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrBadEnvelope)
	}
	body, ok := claims["body"].(string)
	if !ok || body == "" {
		return nil, fmt.Errorf("%w: missing body claim", ErrBadEnvelope)
	}
	return []byte(body), nil
}

type meetingReport struct {
	SessionID        string `json:"sessionId"`
	Verified         bool   `json:"verified"`
	Method           string `json:"method"`
	DurationMinutes  int    `json:"durationMinutes"`
	ParticipantCount int    `json:"participantCount"`
	Reason           string `json:"reason"`
}

// NormalizeMeetingReport maps a meeting-provider report onto a session
// verification claim.
func (a *Adapter) NormalizeMeetingReport(raw []byte) (Claim, error) {
	var rep meetingReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Claim{}, fmt.Errorf("%w: meeting report: %v", ErrMalformed, err)
	}
	if rep.SessionID == "" {
		return Claim{}, fmt.Errorf("%w: meeting report without sessionId", ErrMalformed)
	}
	if rep.Method == "" {
		rep.Method = "meeting_report"
	}
	return Claim{
		ClaimType:        ClaimSession,
		ClaimID:          rep.SessionID,
		Verified:         rep.Verified,
		Method:           rep.Method,
		DurationMinutes:  rep.DurationMinutes,
		ParticipantCount: rep.ParticipantCount,
		Reason:           rep.Reason,
	}, nil
}

type domainScan struct {
	ReferralID     string `json:"referralId"`
	DomainVerified bool   `json:"domainVerified"`
}

// NormalizeDomainScan maps an email-domain scan verdict onto a referral
// claim.
func (a *Adapter) NormalizeDomainScan(raw []byte) (Claim, error) {
	var scan domainScan
	if err := json.Unmarshal(raw, &scan); err != nil {
		return Claim{}, fmt.Errorf("%w: domain scan: %v", ErrMalformed, err)
	}
	if scan.ReferralID == "" {
		return Claim{}, fmt.Errorf("%w: domain scan without referralId", ErrMalformed)
	}
	return Claim{
		ClaimType:      ClaimReferral,
		ClaimID:        scan.ReferralID,
		DomainVerified: scan.DomainVerified,
	}, nil
}

type feedbackEvent struct {
	SessionID  string    `json:"sessionId"`
	Party      string    `json:"party"`
	ActorID    string    `json:"actorId"`
	ProvidedAt time.Time `json:"providedAt"`
}

// NormalizeFeedback maps a feedback-submitted event onto a feedback claim.
func (a *Adapter) NormalizeFeedback(raw []byte) (Claim, error) {
	var ev feedbackEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Claim{}, fmt.Errorf("%w: feedback event: %v", ErrMalformed, err)
	}
	if ev.SessionID == "" {
		return Claim{}, fmt.Errorf("%w: feedback event without sessionId", ErrMalformed)
	}
	role := party.Role(ev.Party)
	if role != party.RoleSeeker && role != party.RoleProfessional {
		return Claim{}, fmt.Errorf("%w: feedback party %q", ErrMalformed, ev.Party)
	}
	if ev.ProvidedAt.IsZero() {
		ev.ProvidedAt = time.Now().UTC()
	}
	return Claim{
		ClaimType:  ClaimFeedback,
		ClaimID:    ev.SessionID,
		Party:      role,
		ActorID:    ev.ActorID,
		ProvidedAt: ev.ProvidedAt,
	}, nil
}
