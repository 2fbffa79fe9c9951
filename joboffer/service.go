package joboffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mentorflow/party"
	"mentorflow/session"
	"mentorflow/settlement"
)

var (
	// ErrInvalidTransition signals the operation is not legal from the
	// current status.
	ErrInvalidTransition = errors.New("joboffer: invalid transition")
	// ErrPreconditionFailed signals the parent session has not completed
	// with bilateral feedback.
	ErrPreconditionFailed = errors.New("joboffer: precondition failed")
	// ErrForbidden signals the wrong party attempted the operation, e.g.
	// the reporter confirming their own offer.
	ErrForbidden = errors.New("joboffer: forbidden")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SessionReader locks and reads the parent session row inside the report
// transaction so the completion/feedback gate cannot race a concurrent
// session mutation.
type SessionReader interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
}

// TimelineWriter appends business events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues outbox messages inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Settler is the orchestrator capability used for the paid transition.
type Settler interface {
	RequestPayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error)
}

// Service is the job-offer bonus state machine.
type Service struct {
	pool     TxBeginner
	repo     Repository
	sessions SessionReader
	settler  Settler
	timeline TimelineWriter
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, sessions SessionReader, settler Settler) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		sessions: sessions,
		settler:  settler,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
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

// ReportParams carries a new offer claim.
type ReportParams struct {
	SessionID string
	Reporter  party.OfferParty
	ActorID   string
	Company   string
	JobTitle  string
}

// Report creates an offer claim against a completed session. The bonus
// amount is copied from the session's committed offer-bonus value at this
// instant; later changes to that value never reach an already-reported
// offer. Re-reporting while an open offer exists returns the existing one.
func (s *Service) Report(ctx context.Context, params ReportParams) (Offer, error) {
	if params.SessionID == "" {
		return Offer{}, fmt.Errorf("joboffer: missing session id")
	}
	if !params.Reporter.Valid() {
		return Offer{}, fmt.Errorf("joboffer: unknown reporter party %q", params.Reporter)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("joboffer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parent, err := s.sessions.GetForUpdate(ctx, tx, params.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Offer{}, fmt.Errorf("joboffer: session %s not found", params.SessionID)
		}
		return Offer{}, err
	}

	if params.ActorID != "" && params.ActorID != participantID(parent, params.Reporter) {
		return Offer{}, fmt.Errorf("%w: reporter is not a session participant", ErrForbidden)
	}
	if parent.Status != session.StatusCompleted {
		return Offer{}, fmt.Errorf("%w: session is %s, not completed", ErrPreconditionFailed, parent.Status)
	}
	if !session.FeedbackExchanged(parent) {
		return Offer{}, fmt.Errorf("%w: bilateral feedback not exchanged", ErrPreconditionFailed)
	}

	created, err := s.repo.Create(ctx, tx, Offer{
		ID:               s.idGen(),
		SessionID:        params.SessionID,
		Status:           StatusReported,
		ReportedBy:       params.Reporter,
		BonusAmountCents: parent.OfferBonusCents,
		Company:          params.Company,
		JobTitle:         params.JobTitle,
	})
	if err != nil {
		// Tolerate retries: hand back the open offer instead of failing.
		if errors.Is(err, ErrDuplicateOpenOffer) {
			return s.repo.GetOpenBySession(ctx, tx, params.SessionID)
		}
		return Offer{}, err
	}

	if err := s.record(ctx, tx, created.ID, "OFFER_REPORTED", actorPtr(params.ActorID), "joboffer.reported", map[string]any{
		"session_id":         params.SessionID,
		"reported_by":        string(params.Reporter),
		"bonus_amount_cents": created.BonusAmountCents,
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("joboffer: commit report: %w", err)
	}
	return created, nil
}

// Confirm moves reported -> confirmed. The confirming party must be the
// counterparty of the reporter.
func (s *Service) Confirm(ctx context.Context, offerID string, confirmer party.OfferParty, actorID string) (Offer, error) {
	if !confirmer.Valid() {
		return Offer{}, fmt.Errorf("joboffer: unknown confirmer party %q", confirmer)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("joboffer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := s.repo.CASConfirm(ctx, tx, offerID, confirmer)
	if err != nil {
		return Offer{}, err
	}
	if !applied {
		cur, err := s.repo.GetForUpdate(ctx, tx, offerID)
		if err != nil {
			return Offer{}, err
		}
		if cur.ReportedBy == confirmer {
			return Offer{}, fmt.Errorf("%w: reporter cannot confirm their own offer", ErrForbidden)
		}
		return Offer{}, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, cur.Status)
	}

	if err := s.record(ctx, tx, offerID, "OFFER_CONFIRMED", actorPtr(actorID), "joboffer.confirmed", map[string]any{
		"confirmed_by": string(confirmer),
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("joboffer: commit confirm: %w", err)
	}

	return s.repo.Get(ctx, offerID)
}

// Settle moves confirmed -> paid through the orchestrator. Idempotent:
// repeated calls after success report AlreadySettled without error.
func (s *Service) Settle(ctx context.Context, offerID string) (settlement.PayoutResult, error) {
	cur, err := s.repo.Get(ctx, offerID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}

	parent, err := s.sessions.Get(ctx, cur.SessionID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}

	return s.settler.RequestPayout(ctx, settlement.PayoutRequest{
		EntityType:         settlement.EntityJobOffer,
		EntityID:           offerID,
		AmountCents:        cur.BonusAmountCents,
		DestinationAccount: parent.ProfessionalID,
		IdempotencyKey:     "joboffer-settle-" + offerID,
	})
}

func (s *Service) Get(ctx context.Context, offerID string) (Offer, error) {
	return s.repo.Get(ctx, offerID)
}

func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]Offer, error) {
	return s.repo.ListBySession(ctx, sessionID)
}

func participantID(parent session.Session, p party.OfferParty) string {
	if p == party.PartyCandidate {
		return parent.SeekerID
	}
	return parent.ProfessionalID
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, offerID, eventType string, actor *string, topic string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, "job_offer", offerID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		body := map[string]any{"offer_id": offerID}
		for k, v := range payload {
			body[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, body); err != nil {
			return err
		}
	}
	return nil
}

func actorPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
