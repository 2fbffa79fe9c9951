package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mentorflow/party"
	"mentorflow/settlement"
)

var (
	base  = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	admin = party.Actor{ID: "admin-1", Role: party.RoleAdmin}
)

func newTestService(repo *fakeRepo, settler *fakeSettler) *Service {
	return NewService(&fakePool{}, repo, settler).
		WithIDGenerator(func() string { return "sess-1" }).
		WithClock(func() time.Time { return base })
}

func paidCompletedSession() Session {
	return Session{
		ID:             "sess-1",
		SeekerID:       "seeker-1",
		ProfessionalID: "pro-1",
		StartsAt:       base.Add(-2 * time.Hour),
		EndsAt:         base.Add(-1 * time.Hour),
		Status:         StatusCompleted,
		PaymentStatus:  PaymentPaid,
		AmountCents:    7500,
	}
}

func TestBook_RejectsInvalidWindow(t *testing.T) {
	svc := newTestService(newFakeRepo(Session{}), &fakeSettler{})

	_, err := svc.Book(context.Background(), BookParams{
		SeekerID:       "seeker-1",
		ProfessionalID: "pro-1",
		StartsAt:       base,
		EndsAt:         base,
		AmountCents:    7500,
	})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestBook_CreatesRequestedPending(t *testing.T) {
	repo := newFakeRepo(Session{})
	svc := newTestService(repo, &fakeSettler{})

	created, err := svc.Book(context.Background(), BookParams{
		SeekerID:       "seeker-1",
		ProfessionalID: "pro-1",
		StartsAt:       base,
		EndsAt:         base.Add(time.Hour),
		AmountCents:    7500,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if created.Status != StatusRequested || created.PaymentStatus != PaymentPending {
		t.Errorf("expected requested/pending, got %s/%s", created.Status, created.PaymentStatus)
	}
}

func TestConfirmSchedule_OnlyFromRequested(t *testing.T) {
	cur := paidCompletedSession()
	cur.Status = StatusScheduled
	svc := newTestService(newFakeRepo(cur), &fakeSettler{})

	_, err := svc.ConfirmSchedule(context.Background(), "sess-1", base, base.Add(time.Hour))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkCompleted_RequiresElapsedEnd(t *testing.T) {
	cur := paidCompletedSession()
	cur.Status = StatusInProgress
	cur.EndsAt = base.Add(time.Hour)
	repo := newFakeRepo(cur)
	svc := newTestService(repo, &fakeSettler{})

	if _, err := svc.MarkCompleted(context.Background(), "sess-1"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed before end time, got %v", err)
	}

	repo.session.EndsAt = base.Add(-time.Minute)
	updated, err := svc.MarkCompleted(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("expected nil error after end time, got %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", updated.Status)
	}
}

func TestApplyVerification_NeverTouchesPayment(t *testing.T) {
	cur := paidCompletedSession()
	repo := newFakeRepo(cur)
	svc := newTestService(repo, &fakeSettler{})

	recorded, err := svc.ApplyVerification(context.Background(), "sess-1", Verification{
		Verified:         false,
		DurationMinutes:  3,
		ParticipantCount: 1,
		Reason:           "duration below threshold",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if recorded.Verified {
		t.Errorf("expected failed verification to be recorded as-is")
	}
	if repo.session.PaymentStatus != PaymentPaid {
		t.Errorf("expected payment custody untouched, got %s", repo.session.PaymentStatus)
	}
	if len(repo.verifications) != 1 {
		t.Errorf("expected one appended verification row")
	}
}

func TestSubmitFeedback_RejectsNonParticipant(t *testing.T) {
	svc := newTestService(newFakeRepo(paidCompletedSession()), &fakeSettler{})

	_, err := svc.SubmitFeedback(context.Background(), "sess-1",
		party.Actor{ID: "someone-else", Role: party.RoleSeeker}, base)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSubmitFeedback_StampsOnce(t *testing.T) {
	repo := newFakeRepo(paidCompletedSession())
	svc := newTestService(repo, &fakeSettler{})

	first, err := svc.SubmitFeedback(context.Background(), "sess-1",
		party.Actor{ID: "seeker-1", Role: party.RoleSeeker}, base)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if first.SeekerFeedbackAt == nil || !first.SeekerFeedbackAt.Equal(base) {
		t.Fatalf("expected seeker stamp at %v, got %v", base, first.SeekerFeedbackAt)
	}

	later := base.Add(time.Hour)
	second, err := svc.SubmitFeedback(context.Background(), "sess-1",
		party.Actor{ID: "seeker-1", Role: party.RoleSeeker}, later)
	if err != nil {
		t.Fatalf("expected resubmission to be tolerated, got %v", err)
	}
	if !second.SeekerFeedbackAt.Equal(base) {
		t.Errorf("expected original stamp to survive, got %v", second.SeekerFeedbackAt)
	}
}

func TestMarkPaid_DuplicateIsNoOp(t *testing.T) {
	cur := paidCompletedSession()
	repo := newFakeRepo(cur)
	svc := newTestService(repo, &fakeSettler{})

	if err := svc.MarkPaid(context.Background(), "sess-1"); err != nil {
		t.Fatalf("expected duplicate confirmation to be a no-op, got %v", err)
	}

	repo.session.PaymentStatus = PaymentReleased
	if err := svc.MarkPaid(context.Background(), "sess-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from released, got %v", err)
	}
}

func TestReleasePayment_RequiresCompletion(t *testing.T) {
	cur := paidCompletedSession()
	cur.Status = StatusInProgress
	svc := newTestService(newFakeRepo(cur), &fakeSettler{})

	_, err := svc.ReleasePayment(context.Background(), "sess-1", admin)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestReleasePayment_RequiresVerifiedEvidence(t *testing.T) {
	repo := newFakeRepo(paidCompletedSession())
	repo.latest = &Verification{Verified: false}
	settler := &fakeSettler{}
	svc := newTestService(repo, settler)

	seeker := party.Actor{ID: "seeker-1", Role: party.RoleSeeker}
	if _, err := svc.ReleasePayment(context.Background(), "sess-1", seeker); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed without verification, got %v", err)
	}
	if len(settler.payouts) != 0 {
		t.Fatalf("expected no payout request")
	}
}

func TestReleasePayment_SendsDeterministicPayout(t *testing.T) {
	repo := newFakeRepo(paidCompletedSession())
	repo.latest = &Verification{Verified: true}
	settler := &fakeSettler{result: settlement.PayoutResult{Outcome: settlement.OutcomeAccepted}}
	svc := newTestService(repo, settler)

	res, err := svc.ReleasePayment(context.Background(), "sess-1", party.Actor{ID: "pro-1", Role: party.RoleProfessional})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Outcome != settlement.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if len(settler.payouts) != 1 {
		t.Fatalf("expected one payout request")
	}
	req := settler.payouts[0]
	if req.IdempotencyKey != "session-release-sess-1" {
		t.Errorf("expected deterministic key, got %s", req.IdempotencyKey)
	}
	if req.AmountCents != 7500 || req.DestinationAccount != "pro-1" {
		t.Errorf("unexpected payout request: %+v", req)
	}
	if req.EntityType != settlement.EntitySession {
		t.Errorf("expected session entity, got %s", req.EntityType)
	}
}

func TestReleasePayment_AdminOverridesEvidence(t *testing.T) {
	repo := newFakeRepo(paidCompletedSession())
	repo.latest = &Verification{Verified: false}
	settler := &fakeSettler{result: settlement.PayoutResult{Outcome: settlement.OutcomeAccepted}}
	svc := newTestService(repo, settler)

	if _, err := svc.ReleasePayment(context.Background(), "sess-1", admin); err != nil {
		t.Fatalf("expected admin override to release, got %v", err)
	}
}

func TestRefund_AdminOnly(t *testing.T) {
	repo := newFakeRepo(paidCompletedSession())
	settler := &fakeSettler{result: settlement.PayoutResult{Outcome: settlement.OutcomeAccepted}}
	svc := newTestService(repo, settler)

	seeker := party.Actor{ID: "seeker-1", Role: party.RoleSeeker}
	if _, err := svc.Refund(context.Background(), "sess-1", seeker, "dispute"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}

	if _, err := svc.Refund(context.Background(), "sess-1", admin, "dispute"); err != nil {
		t.Fatalf("expected admin refund to pass, got %v", err)
	}
	if len(settler.refunds) != 1 {
		t.Fatalf("expected one refund request")
	}
	req := settler.refunds[0]
	if req.IdempotencyKey != "session-refund-sess-1" {
		t.Errorf("expected deterministic key, got %s", req.IdempotencyKey)
	}
	if req.DestinationAccount != "seeker-1" {
		t.Errorf("expected refund to the seeker, got %s", req.DestinationAccount)
	}
}

func TestCancel_PaidQueuesRefund(t *testing.T) {
	cur := paidCompletedSession()
	cur.Status = StatusScheduled
	repo := newFakeRepo(cur)
	settler := &fakeSettler{result: settlement.PayoutResult{Outcome: settlement.OutcomeAccepted}}
	svc := newTestService(repo, settler)

	updated, err := svc.Cancel(context.Background(), "sess-1", admin, "seeker request")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", updated.Status)
	}
	if len(settler.refunds) != 1 {
		t.Fatalf("expected captured funds to queue a refund")
	}
	if settler.refunds[0].IdempotencyKey != "session-refund-sess-1" {
		t.Errorf("expected the shared refund key, got %s", settler.refunds[0].IdempotencyKey)
	}
}

func TestCancel_PendingSkipsRefund(t *testing.T) {
	cur := paidCompletedSession()
	cur.Status = StatusRequested
	cur.PaymentStatus = PaymentPending
	settler := &fakeSettler{}
	svc := newTestService(newFakeRepo(cur), settler)

	if _, err := svc.Cancel(context.Background(), "sess-1", admin, ""); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(settler.refunds) != 0 {
		t.Errorf("expected no refund for uncaptured funds")
	}
}

func TestCancel_TerminalStatusRejected(t *testing.T) {
	svc := newTestService(newFakeRepo(paidCompletedSession()), &fakeSettler{})

	if _, err := svc.Cancel(context.Background(), "sess-1", admin, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from completed, got %v", err)
	}
}

type fakeSettler struct {
	payouts []settlement.PayoutRequest
	refunds []settlement.RefundRequest
	result  settlement.PayoutResult
	err     error
}

func (f *fakeSettler) RequestPayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	f.payouts = append(f.payouts, req)
	return f.result, f.err
}

func (f *fakeSettler) RequestRefund(ctx context.Context, req settlement.RefundRequest) (settlement.PayoutResult, error) {
	f.refunds = append(f.refunds, req)
	return f.result, f.err
}

// fakeRepo keeps one session in memory and mirrors the stamp-once and CAS
// semantics of the SQL layer.
type fakeRepo struct {
	session       Session
	verifications []Verification
	latest        *Verification
}

func newFakeRepo(s Session) *fakeRepo {
	return &fakeRepo{session: s}
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, s Session) (Session, error) {
	f.session = s
	return s, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Session, error) {
	if f.session.ID != id {
		return Session{}, ErrNotFound
	}
	return f.session, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Session, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) List(ctx context.Context, filters Filters) ([]Session, int, error) {
	return []Session{f.session}, 1, nil
}

func (f *fakeRepo) SetSchedule(ctx context.Context, tx pgx.Tx, id string, start, end time.Time) (Session, error) {
	f.session.Status = StatusScheduled
	f.session.StartsAt = start
	f.session.EndsAt = end
	return f.session, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, reason *string) (Session, error) {
	f.session.Status = status
	f.session.CancelReason = reason
	return f.session, nil
}

func (f *fakeRepo) CASPaymentStatus(ctx context.Context, tx pgx.Tx, id string, from, to PaymentStatus) (bool, error) {
	if f.session.PaymentStatus != from {
		return false, nil
	}
	f.session.PaymentStatus = to
	return true, nil
}

func (f *fakeRepo) StampSeekerFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error) {
	if f.session.SeekerFeedbackAt == nil {
		stamp := at
		f.session.SeekerFeedbackAt = &stamp
	}
	return f.session, nil
}

func (f *fakeRepo) StampProfessionalFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error) {
	if f.session.ProfessionalFeedbackAt == nil {
		stamp := at
		f.session.ProfessionalFeedbackAt = &stamp
	}
	return f.session, nil
}

func (f *fakeRepo) InsertVerification(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error) {
	v.ID = int64(len(f.verifications) + 1)
	f.verifications = append(f.verifications, v)
	f.latest = &v
	return v, nil
}

func (f *fakeRepo) LatestVerification(ctx context.Context, sessionID string) (*Verification, error) {
	return f.latest, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
