package session

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
	// current state. Never retried automatically.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrPreconditionFailed signals a required gate (verification, elapsed
	// end time) is not yet satisfied. The caller waits for the signal.
	ErrPreconditionFailed = errors.New("session: precondition failed")
	// ErrForbidden signals the wrong actor attempted the operation.
	ErrForbidden = errors.New("session: forbidden")
	// ErrInvalidWindow signals end <= start.
	ErrInvalidWindow = errors.New("session: end must be after start")
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

// Settler is the settlement orchestrator capability the escrow machine
// uses. Release and refund are the only paths to a terminal payment state,
// and both go through it.
type Settler interface {
	RequestPayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error)
	RequestRefund(ctx context.Context, req settlement.RefundRequest) (settlement.PayoutResult, error)
}

// Service is the session escrow state machine.
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

// BookParams carries the booking request.
type BookParams struct {
	SeekerID        string
	ProfessionalID  string
	StartsAt        time.Time
	EndsAt          time.Time
	AmountCents     int64
	OfferBonusCents int64
}

// Book creates a session in requested/pending.
func (s *Service) Book(ctx context.Context, params BookParams) (Session, error) {
	if params.SeekerID == "" || params.ProfessionalID == "" {
		return Session{}, fmt.Errorf("session: seeker and professional required")
	}
	if !params.EndsAt.After(params.StartsAt) {
		return Session{}, ErrInvalidWindow
	}
	if params.AmountCents < 0 || params.OfferBonusCents < 0 {
		return Session{}, fmt.Errorf("session: negative amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Session{
		ID:              s.idGen(),
		SeekerID:        params.SeekerID,
		ProfessionalID:  params.ProfessionalID,
		StartsAt:        params.StartsAt,
		EndsAt:          params.EndsAt,
		Status:          StatusRequested,
		PaymentStatus:   PaymentPending,
		AmountCents:     params.AmountCents,
		OfferBonusCents: params.OfferBonusCents,
	})
	if err != nil {
		return Session{}, err
	}

	if err := s.record(ctx, tx, created.ID, "SESSION_BOOKED", nil, "session.booked", map[string]any{
		"seeker_id":       created.SeekerID,
		"professional_id": created.ProfessionalID,
		"starts_at":       created.StartsAt.UTC(),
	}); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit booking: %w", err)
	}
	return created, nil
}

// ConfirmSchedule moves requested -> scheduled and pins the agreed window.
func (s *Service) ConfirmSchedule(ctx context.Context, sessionID string, start, end time.Time) (Session, error) {
	if !end.After(start) {
		return Session{}, ErrInvalidWindow
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if cur.Status != StatusRequested {
		return Session{}, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, cur.Status)
	}

	updated, err := s.repo.SetSchedule(ctx, tx, sessionID, start, end)
	if err != nil {
		return Session{}, err
	}

	if err := s.record(ctx, tx, sessionID, "SESSION_SCHEDULED", nil, "session.scheduled", map[string]any{
		"starts_at": start.UTC(),
		"ends_at":   end.UTC(),
	}); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit schedule: %w", err)
	}
	return updated, nil
}

// Start moves scheduled -> in_progress once the window has opened.
func (s *Service) Start(ctx context.Context, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, StatusInProgress, "SESSION_STARTED", "session.started", func(cur Session) error {
		if s.now().Before(cur.StartsAt) {
			return fmt.Errorf("%w: session has not started yet", ErrPreconditionFailed)
		}
		return nil
	}, nil)
}

// MarkCompleted moves scheduled|in_progress -> completed, only after the
// end time has elapsed.
func (s *Service) MarkCompleted(ctx context.Context, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, StatusCompleted, "SESSION_COMPLETED", "session.completed", func(cur Session) error {
		if s.now().Before(cur.EndsAt) {
			return fmt.Errorf("%w: session end time has not elapsed", ErrPreconditionFailed)
		}
		return nil
	}, nil)
}

// ApplyVerification attaches evidence from the meeting webhook. It never
// touches payment custody; it only makes release eligible.
func (s *Service) ApplyVerification(ctx context.Context, sessionID string, ev Verification) (Verification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetForUpdate(ctx, tx, sessionID); err != nil {
		return Verification{}, err
	}

	ev.SessionID = sessionID
	if ev.Method == "" {
		ev.Method = "meeting_webhook"
	}
	recorded, err := s.repo.InsertVerification(ctx, tx, ev)
	if err != nil {
		return Verification{}, err
	}

	if err := s.record(ctx, tx, sessionID, "VERIFICATION_RECORDED", nil, "session.verified", map[string]any{
		"verified":          recorded.Verified,
		"method":            recorded.Method,
		"duration_minutes":  recorded.DurationMinutes,
		"participant_count": recorded.ParticipantCount,
	}); err != nil {
		return Verification{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Verification{}, fmt.Errorf("session: commit verification: %w", err)
	}
	return recorded, nil
}

// SubmitFeedback stamps the acting party's feedback timestamp exactly once.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, actor party.Actor, providedAt time.Time) (Session, error) {
	if providedAt.IsZero() {
		providedAt = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}

	var updated Session
	switch actor.Role {
	case party.RoleSeeker:
		if cur.SeekerID != actor.ID {
			return Session{}, fmt.Errorf("%w: not a participant", ErrForbidden)
		}
		updated, err = s.repo.StampSeekerFeedback(ctx, tx, sessionID, providedAt)
	case party.RoleProfessional:
		if cur.ProfessionalID != actor.ID {
			return Session{}, fmt.Errorf("%w: not a participant", ErrForbidden)
		}
		updated, err = s.repo.StampProfessionalFeedback(ctx, tx, sessionID, providedAt)
	default:
		return Session{}, fmt.Errorf("%w: feedback requires a participant role", ErrForbidden)
	}
	if err != nil {
		return Session{}, err
	}

	if err := s.record(ctx, tx, sessionID, "FEEDBACK_SUBMITTED", &actor.ID, "session.feedback", map[string]any{
		"role": string(actor.Role),
	}); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit feedback: %w", err)
	}
	return updated, nil
}

// MarkPaid records the processor's charge confirmation: pending -> paid.
// Duplicate confirmations are a no-op.
func (s *Service) MarkPaid(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := s.repo.CASPaymentStatus(ctx, tx, sessionID, PaymentPending, PaymentPaid)
	if err != nil {
		return err
	}
	if !applied {
		cur, err := s.repo.GetForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if cur.PaymentStatus == PaymentPaid {
			return nil
		}
		return fmt.Errorf("%w: mark paid from %s", ErrInvalidTransition, cur.PaymentStatus)
	}

	if err := s.record(ctx, tx, sessionID, "PAYMENT_CAPTURED", nil, "session.paid", nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit mark paid: %w", err)
	}
	return nil
}

// ReleasePayment moves escrow paid -> released through the orchestrator.
// Preconditions: status=completed and either the latest verification
// verified the meeting or the caller holds admin override authority.
// Concurrent calls yield exactly one accepted outcome; the rest observe
// AlreadySettled without error.
func (s *Service) ReleasePayment(ctx context.Context, sessionID string, actor party.Actor) (settlement.PayoutResult, error) {
	cur, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}
	if cur.Status != StatusCompleted {
		return settlement.PayoutResult{}, fmt.Errorf("%w: release requires a completed session", ErrPreconditionFailed)
	}

	latest, err := s.repo.LatestVerification(ctx, sessionID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}
	if !ReleaseEligible(cur, latest, actor.Admin()) {
		return settlement.PayoutResult{}, fmt.Errorf("%w: meeting not verified", ErrPreconditionFailed)
	}

	return s.settler.RequestPayout(ctx, settlement.PayoutRequest{
		EntityType:         settlement.EntitySession,
		EntityID:           sessionID,
		AmountCents:        cur.AmountCents,
		DestinationAccount: cur.ProfessionalID,
		IdempotencyKey:     releaseKey(sessionID),
		ActorID:            actorID(actor),
	})
}

// Refund reverses custody: pending|paid -> refunded. Admin or system only;
// reversible only by booking a new session.
func (s *Service) Refund(ctx context.Context, sessionID string, actor party.Actor, reason string) (settlement.PayoutResult, error) {
	if !actor.Admin() {
		return settlement.PayoutResult{}, fmt.Errorf("%w: refund requires admin authority", ErrForbidden)
	}

	cur, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return settlement.PayoutResult{}, err
	}

	return s.settler.RequestRefund(ctx, settlement.RefundRequest{
		SessionID:          sessionID,
		AmountCents:        cur.AmountCents,
		DestinationAccount: cur.SeekerID,
		Reason:             strings.TrimSpace(reason),
		IdempotencyKey:     refundKey(sessionID),
		ActorID:            actorID(actor),
	})
}

// Cancel moves any non-terminal status to cancelled. Captured funds queue a
// refund through the orchestrator in the same call.
func (s *Service) Cancel(ctx context.Context, sessionID string, actor party.Actor, reason string) (Session, error) {
	return s.closeOut(ctx, sessionID, actor, reason, StatusCancelled, "SESSION_CANCELLED", "session.cancelled")
}

// MarkNoShow records that the meeting never happened. Like Cancel, paid
// funds are refunded.
func (s *Service) MarkNoShow(ctx context.Context, sessionID string, actor party.Actor, reason string) (Session, error) {
	return s.closeOut(ctx, sessionID, actor, reason, StatusNoShow, "SESSION_NO_SHOW", "session.no_show")
}

func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.repo.Get(ctx, sessionID)
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Session, int, error) {
	return s.repo.List(ctx, filters)
}

// LatestVerification exposes the authoritative evidence row for read paths.
func (s *Service) LatestVerification(ctx context.Context, sessionID string) (*Verification, error) {
	return s.repo.LatestVerification(ctx, sessionID)
}

func (s *Service) closeOut(ctx context.Context, sessionID string, actor party.Actor, reason string, to Status, eventType, topic string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(cur.Status, to) {
		return Session{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, cur.Status)
	}

	var reasonPtr *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		reasonPtr = &trimmed
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, sessionID, to, reasonPtr)
	if err != nil {
		return Session{}, err
	}

	if err := s.record(ctx, tx, sessionID, eventType, actorID(actor), topic, map[string]any{
		"reason": reason,
	}); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit %s: %w", to, err)
	}

	// Captured funds are returned once the lifecycle change is durable. The
	// orchestrator owns the at-most-once guarantee; a failure here is
	// retryable under the same idempotency key.
	if cur.PaymentStatus == PaymentPaid {
		if _, err := s.settler.RequestRefund(ctx, settlement.RefundRequest{
			SessionID:          sessionID,
			AmountCents:        cur.AmountCents,
			DestinationAccount: cur.SeekerID,
			Reason:             string(to),
			IdempotencyKey:     refundKey(sessionID),
			ActorID:            actorID(actor),
		}); err != nil {
			return updated, err
		}
	}

	return updated, nil
}

func (s *Service) transition(ctx context.Context, sessionID string, to Status, eventType, topic string, gate func(Session) error, reason *string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(cur.Status, to) {
		return Session{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, cur.Status)
	}
	if gate != nil {
		if err := gate(cur); err != nil {
			return Session{}, err
		}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, sessionID, to, reason)
	if err != nil {
		return Session{}, err
	}

	if err := s.record(ctx, tx, sessionID, eventType, nil, topic, nil); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit %s: %w", to, err)
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, sessionID, eventType string, actor *string, topic string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, "session", sessionID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		body := map[string]any{"session_id": sessionID}
		for k, v := range payload {
			body[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, body); err != nil {
			return err
		}
	}
	return nil
}

// Deterministic keys make every retry of the same operation the same payout.
func releaseKey(sessionID string) string { return "session-release-" + sessionID }
func refundKey(sessionID string) string  { return "session-refund-" + sessionID }

func actorID(actor party.Actor) *string {
	if actor.ID == "" {
		return nil
	}
	id := actor.ID
	return &id
}
