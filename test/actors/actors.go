package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mentorflow/settlement"
)

// LocalProcessor settles every instruction in-process so the stress run
// exercises the database guarantees without an external payout API. A small
// random failure rate forces the orchestrator's rollback-and-retry path.
type LocalProcessor struct {
	FailEvery int
}

func (p *LocalProcessor) Send(ctx context.Context, inst settlement.PaymentInstruction) (settlement.ProcessorReceipt, error) {
	if p.FailEvery > 0 && rand.Intn(p.FailEvery) == 0 {
		return settlement.ProcessorReceipt{}, errors.New("simulated processor outage")
	}
	return settlement.ProcessorReceipt{Ref: "stress-" + inst.IdempotencyKey}, nil
}

// Booker keeps inserting settleable sessions: completed, paid, with a
// verified evidence row, so releasers and refunders always have targets.
func Booker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := pool.QueryRow(ctx, `
            INSERT INTO sessions (seeker_id, professional_id, starts_at, ends_at, status, payment_status, amount_cents)
            VALUES (gen_random_uuid(), gen_random_uuid(), now() - interval '2 hours', now() - interval '1 hour', 'completed', 'paid', $1)
            RETURNING id`, int64(1000+rand.Intn(9000))).Scan(&id)
		if err == nil {
			_, _ = pool.Exec(ctx, `
                INSERT INTO session_verifications (session_id, verified, method, duration_minutes, participant_count)
                VALUES ($1, true, 'meeting_report', 55, 2)`, id)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser races to settle paid completed sessions through the real
// orchestrator. Losing the race to a refunder is a legal outcome.
func Releaser(ctx context.Context, pool *pgxpool.Pool, orch *settlement.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
            SELECT id, amount_cents, professional_id FROM sessions
            WHERE payment_status = 'paid' AND status = 'completed'
            ORDER BY random() LIMIT 3`)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type target struct {
			id, dest string
			amount   int64
		}
		targets := make([]target, 0, 3)
		for rows.Next() {
			var tg target
			if err := rows.Scan(&tg.id, &tg.amount, &tg.dest); err == nil {
				targets = append(targets, tg)
			}
		}
		rows.Close()

		for _, tg := range targets {
			_, err := orch.RequestPayout(ctx, settlement.PayoutRequest{
				EntityType:         settlement.EntitySession,
				EntityID:           tg.id,
				AmountCents:        tg.amount,
				DestinationAccount: tg.dest,
				IdempotencyKey:     "session-release-" + tg.id,
			})
			if err != nil && !tolerable(err) {
				return fmt.Errorf("releaser: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Refunder races releasers on the same sessions. At most one of the two
// terminal custody states may win.
func Refunder(ctx context.Context, pool *pgxpool.Pool, orch *settlement.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id, dest string
		var amount int64
		err := pool.QueryRow(ctx, `
            SELECT id, amount_cents, seeker_id FROM sessions
            WHERE payment_status IN ('pending','paid')
            ORDER BY random() LIMIT 1`).Scan(&id, &amount, &dest)
		if err == nil {
			_, err := orch.RequestRefund(ctx, settlement.RefundRequest{
				SessionID:          id,
				AmountCents:        amount,
				DestinationAccount: dest,
				Reason:             "stress refund",
				IdempotencyKey:     "session-refund-" + id,
			})
			if err != nil && !tolerable(err) {
				return fmt.Errorf("refunder: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// WebhookReplayer appends duplicate and contradictory evidence rows, the way
// a flaky meeting provider redelivers webhooks. Evidence is append-only and
// must never move custody on its own.
func WebhookReplayer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `
            INSERT INTO session_verifications (session_id, verified, method, duration_minutes, participant_count, reason)
            SELECT id, random() < 0.5, 'meeting_report', 3, 1, 'replayed'
            FROM sessions ORDER BY random() LIMIT 1`)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// ReferralSettler seeds verified referral claims and replays their payout,
// so the referral guard and the idempotency reservation see contention too.
func ReferralSettler(ctx context.Context, pool *pgxpool.Pool, orch *settlement.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id, dest string
		reward := int64(2500)
		err := pool.QueryRow(ctx, `
            INSERT INTO referrals (professional_id, candidate_email, colleague_email, status, email_domain_verified, reward_amount_cents)
            VALUES (gen_random_uuid(), 'candidate@example.com', 'colleague@corp.example.com', 'verified', true, $1)
            RETURNING id, professional_id`, reward).Scan(&id, &dest)
		if err == nil {
			// Two payout attempts with the same key: at most one settles.
			for i := 0; i < 2; i++ {
				_, err := orch.RequestPayout(ctx, settlement.PayoutRequest{
					EntityType:         settlement.EntityReferral,
					EntityID:           id,
					AmountCents:        reward,
					DestinationAccount: dest,
					IdempotencyKey:     "referral-payout-" + id,
				})
				if err != nil && !tolerable(err) {
					return fmt.Errorf("referral settler: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated failure rate to exercise retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// tolerable classifies errors an actor expects under contention and chaos:
// losing a settlement race, a simulated processor outage, or a connection
// killed by the chaos routine. Only a cancelled run stops the actor.
func tolerable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
