package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mentorflow/party"
	"mentorflow/settlement"
)

var (
	// ErrInvalidTransition signals the operation is not legal from the
	// current status.
	ErrInvalidTransition = errors.New("referral: invalid transition")
	// ErrPreconditionFailed signals the email-domain scan has not verified
	// the claim yet.
	ErrPreconditionFailed = errors.New("referral: precondition failed")
	// ErrForbidden signals the wrong actor attempted the operation.
	ErrForbidden = errors.New("referral: forbidden")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends business events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues outbox messages inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Settler is the orchestrator capability used for the rewarded transition.
type Settler interface {
	RequestPayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error)
}

// Service is the referral reward state machine.
type Service struct {
	pool     TxBeginner
	repo     Repository
	settler  Settler
	timeline TimelineWriter
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, settler Settler) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		settler: settler,
		idGen:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

func (s *Service) WithTimelineAndOutbox(timeline TimelineWriter, outbox OutboxWriter) *Service {
	s.timeline = timeline
	s.outbox = outbox
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams carries a new referral claim.
type CreateParams struct {
	ProfessionalID string
	CandidateEmail string
	ColleagueEmail string
}

// Create registers the claim as pending and unverified. The scan service
// reports its verdict asynchronously through ApplyDomainScan.
func (s *Service) Create(ctx context.Context, params CreateParams) (Referral, error) {
	if params.ProfessionalID == "" {
		return Referral{}, fmt.Errorf("referral: missing professional id")
	}
	if params.CandidateEmail == "" || params.ColleagueEmail == "" {
		return Referral{}, fmt.Errorf("referral: candidate and colleague emails required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Referral{
		ID:             s.idGen(),
		ProfessionalID: params.ProfessionalID,
		CandidateEmail: strings.ToLower(strings.TrimSpace(params.CandidateEmail)),
		ColleagueEmail: strings.ToLower(strings.TrimSpace(params.ColleagueEmail)),
		Status:         StatusPending,
	})
	if err != nil {
		return Referral{}, err
	}

	if err := s.record(ctx, tx, created.ID, "REFERRAL_CREATED", nil, "referral.created", map[string]any{
		"professional_id": created.ProfessionalID,
	}); err != nil {
		return Referral{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Referral{}, fmt.Errorf("referral: commit create: %w", err)
	}
	return created, nil
}

// ApplyDomainScan records the scan collaborator's verdict. The verdict on
// its own never advances the status; it only opens the gate for Verify.
func (s *Service) ApplyDomainScan(ctx context.Context, referralID string, domainVerified bool) (Referral, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, referralID)
	if err != nil {
		return Referral{}, err
	}
	if cur.Status.Terminal() {
		// A late scan on a settled claim changes nothing.
		return cur, nil
	}

	updated, err := s.repo.SetDomainVerified(ctx, tx, referralID, domainVerified)
	if err != nil {
		return Referral{}, err
	}

	if err := s.record(ctx, tx, referralID, "DOMAIN_SCAN_RECORDED", nil, "referral.scanned", map[string]any{
		"domain_verified": domainVerified,
	}); err != nil {
		return Referral{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Referral{}, fmt.Errorf("referral: commit domain scan: %w", err)
	}
	return updated, nil
}

// Verify moves pending -> verified and fixes the reward amount for good.
// Fails with ErrPreconditionFailed while the domain scan has not verified
// the claim.
func (s *Service) Verify(ctx context.Context, referralID string, rewardAmountCents int64, actor party.Actor) (Referral, error) {
	if rewardAmountCents <= 0 {
		return Referral{}, fmt.Errorf("referral: invalid reward amount %d", rewardAmountCents)
	}
	if !actor.Admin() {
		return Referral{}, fmt.Errorf("%w: verify requires admin authority", ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := s.repo.CASVerify(ctx, tx, referralID, rewardAmountCents)
	if err != nil {
		return Referral{}, err
	}
	if !applied {
		cur, err := s.repo.GetForUpdate(ctx, tx, referralID)
		if err != nil {
			return Referral{}, err
		}
		if cur.Status == StatusPending && !cur.EmailDomainVerified {
			return Referral{}, fmt.Errorf("%w: email domain not verified", ErrPreconditionFailed)
		}
		return Referral{}, fmt.Errorf("%w: verify from %s", ErrInvalidTransition, cur.Status)
	}

	if err := s.record(ctx, tx, referralID, "REFERRAL_VERIFIED", actorID(actor), "referral.verified", map[string]any{
		"reward_amount_cents": rewardAmountCents,
	}); err != nil {
		return Referral{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Referral{}, fmt.Errorf("referral: commit verify: %w", err)
	}

	return s.repo.Get(ctx, referralID)
}

// Payout moves verified -> rewarded through the orchestrator and stamps the
// payout date. Repeated calls after success are no-ops.
func (s *Service) Payout(ctx context.Context, referralID string) (settlement.PayoutResult, error) {
	cur, err := s.repo.Get(ctx, referralID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}
	if cur.RewardAmountCents == nil {
		return settlement.PayoutResult{}, fmt.Errorf("%w: payout before verification", ErrPreconditionFailed)
	}

	return s.settler.RequestPayout(ctx, settlement.PayoutRequest{
		EntityType:         settlement.EntityReferral,
		EntityID:           referralID,
		AmountCents:        *cur.RewardAmountCents,
		DestinationAccount: cur.ProfessionalID,
		IdempotencyKey:     "referral-payout-" + referralID,
	})
}

// Reject terminates a pending claim.
func (s *Service) Reject(ctx context.Context, referralID, reason string, actor party.Actor) (Referral, error) {
	if !actor.Admin() {
		return Referral{}, fmt.Errorf("%w: reject requires admin authority", ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := s.repo.CASReject(ctx, tx, referralID, strings.TrimSpace(reason))
	if err != nil {
		return Referral{}, err
	}
	if !applied {
		cur, err := s.repo.GetForUpdate(ctx, tx, referralID)
		if err != nil {
			return Referral{}, err
		}
		return Referral{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, cur.Status)
	}

	if err := s.record(ctx, tx, referralID, "REFERRAL_REJECTED", actorID(actor), "referral.rejected", map[string]any{
		"reason": reason,
	}); err != nil {
		return Referral{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Referral{}, fmt.Errorf("referral: commit reject: %w", err)
	}

	return s.repo.Get(ctx, referralID)
}

func (s *Service) Get(ctx context.Context, referralID string) (Referral, error) {
	return s.repo.Get(ctx, referralID)
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Referral, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, referralID, eventType string, actor *string, topic string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, "referral", referralID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		body := map[string]any{"referral_id": referralID}
		for k, v := range payload {
			body[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, body); err != nil {
			return err
		}
	}
	return nil
}

func actorID(actor party.Actor) *string {
	if actor.ID == "" {
		return nil
	}
	id := actor.ID
	return &id
}
