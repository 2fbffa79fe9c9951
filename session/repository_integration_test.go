package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mentorflow/eventlog"
	"mentorflow/party"
	"mentorflow/settlement"
)

// stubProcessor settles every instruction locally so the integration test
// exercises the database semantics without an external payout API.
type stubProcessor struct {
	calls int
}

func (s *stubProcessor) Send(ctx context.Context, inst settlement.PaymentInstruction) (settlement.ProcessorReceipt, error) {
	s.calls++
	return settlement.ProcessorReceipt{Ref: fmt.Sprintf("itest-%s", inst.IdempotencyKey)}, nil
}

// TestSessionLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks the full escrow path: book, schedule, complete,
// verify, release, and the idempotent replay of the release.
func TestSessionLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"sessions", "session_verifications", "payouts", "idempotency", "timeline_events", "outbox"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("database schema missing table %s; apply migrations first", table)
		}
	}

	now := time.Now().UTC()
	proc := &stubProcessor{}
	timeline := eventlog.NewTimeline()
	outbox := eventlog.NewOutbox()
	orch := settlement.NewOrchestrator(pool, settlement.NewRepository(), proc).
		WithTimelineAndOutbox(timeline, outbox)
	svc := NewService(pool, NewRepository(pool), orch).
		WithTimelineAndOutbox(timeline, outbox).
		WithClock(func() time.Time { return now })

	booked, err := svc.Book(ctx, BookParams{
		SeekerID:       uuid.NewString(),
		ProfessionalID: uuid.NewString(),
		StartsAt:       now.Add(-2 * time.Hour),
		EndsAt:         now.Add(-1 * time.Hour),
		AmountCents:    7500,
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE entity_id = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'session_id' = $1 OR payload->>'entity_id' = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM payouts WHERE entity_id = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key IN ($1, $2)`, releaseKey(booked.ID), refundKey(booked.ID))
		pool.Exec(ctx2, `DELETE FROM session_verifications WHERE session_id = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM sessions WHERE id = $1`, booked.ID)
	})

	if _, err := svc.ConfirmSchedule(ctx, booked.ID, booked.StartsAt, booked.EndsAt); err != nil {
		t.Fatalf("confirm schedule: %v", err)
	}
	if _, err := svc.Start(ctx, booked.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.MarkCompleted(ctx, booked.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := svc.MarkPaid(ctx, booked.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	// Releasing before any verification must fail closed.
	seeker := party.Actor{ID: booked.SeekerID, Role: party.RoleSeeker}
	if _, err := svc.ReleasePayment(ctx, booked.ID, seeker); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed before verification, got %v", err)
	}

	if _, err := svc.ApplyVerification(ctx, booked.ID, Verification{
		Verified:         true,
		DurationMinutes:  55,
		ParticipantCount: 2,
	}); err != nil {
		t.Fatalf("apply verification: %v", err)
	}

	res, err := svc.ReleasePayment(ctx, booked.ID, seeker)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Outcome != settlement.OutcomeAccepted {
		t.Fatalf("expected accepted release, got %s", res.Outcome)
	}

	var paymentStatus string
	if err := pool.QueryRow(ctx, `SELECT payment_status::text FROM sessions WHERE id = $1`, booked.ID).Scan(&paymentStatus); err != nil {
		t.Fatalf("verify payment status: %v", err)
	}
	if paymentStatus != "released" {
		t.Fatalf("expected released, got %q", paymentStatus)
	}

	// Replay of the release is a benign no-op: same key, no second payout.
	replay, err := svc.ReleasePayment(ctx, booked.ID, seeker)
	if err != nil {
		t.Fatalf("release replay: %v", err)
	}
	if replay.Outcome != settlement.OutcomeAlreadySettled {
		t.Fatalf("expected already_settled on replay, got %s", replay.Outcome)
	}

	var payoutCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM payouts WHERE entity_id = $1 AND kind = 'payout'`, booked.ID).Scan(&payoutCount); err != nil {
		t.Fatalf("verify payouts: %v", err)
	}
	if payoutCount != 1 {
		t.Fatalf("expected exactly one payout row, got %d", payoutCount)
	}
	if proc.calls != 1 {
		t.Fatalf("expected exactly one processor call, got %d", proc.calls)
	}

	// A refund after release must be rejected: released is terminal.
	adminActor := party.Actor{ID: uuid.NewString(), Role: party.RoleAdmin}
	if _, err := svc.Refund(ctx, booked.ID, adminActor, "late dispute"); !errors.Is(err, settlement.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition refunding released escrow, got %v", err)
	}
}

// TestCancelRefund_Integration covers the cancellation path: captured funds
// are refunded and the session can never be released afterwards.
func TestCancelRefund_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "sessions") || !tableExists(ctx, t, pool, "payouts") {
		t.Skip("database schema missing; apply migrations first")
	}

	now := time.Now().UTC()
	proc := &stubProcessor{}
	orch := settlement.NewOrchestrator(pool, settlement.NewRepository(), proc)
	svc := NewService(pool, NewRepository(pool), orch).
		WithClock(func() time.Time { return now })

	booked, err := svc.Book(ctx, BookParams{
		SeekerID:       uuid.NewString(),
		ProfessionalID: uuid.NewString(),
		StartsAt:       now.Add(time.Hour),
		EndsAt:         now.Add(2 * time.Hour),
		AmountCents:    5000,
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE entity_id = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM payouts WHERE entity_id = $1`, booked.ID)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key IN ($1, $2)`, releaseKey(booked.ID), refundKey(booked.ID))
		pool.Exec(ctx2, `DELETE FROM sessions WHERE id = $1`, booked.ID)
	})

	if err := svc.MarkPaid(ctx, booked.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	adminActor := party.Actor{ID: uuid.NewString(), Role: party.RoleAdmin}
	cancelled, err := svc.Cancel(ctx, booked.ID, adminActor, "seeker request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	var paymentStatus string
	if err := pool.QueryRow(ctx, `SELECT payment_status::text FROM sessions WHERE id = $1`, booked.ID).Scan(&paymentStatus); err != nil {
		t.Fatalf("verify payment status: %v", err)
	}
	if paymentStatus != "refunded" {
		t.Fatalf("expected refunded, got %q", paymentStatus)
	}

	var refundCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM payouts WHERE entity_id = $1 AND kind = 'refund'`, booked.ID).Scan(&refundCount); err != nil {
		t.Fatalf("verify refunds: %v", err)
	}
	if refundCount != 1 {
		t.Fatalf("expected exactly one refund row, got %d", refundCount)
	}

	// Escrow can never leave refunded.
	if _, err := svc.ReleasePayment(ctx, booked.ID, adminActor); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected release of a cancelled session to fail, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
