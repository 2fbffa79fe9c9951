package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// GuardResult reports what the compare-and-set guard did.
type GuardResult struct {
	Applied        bool
	AlreadySettled bool
	// PriorPaymentStatus is populated for session refunds so the caller
	// knows whether captured funds require an external refund call.
	PriorPaymentStatus string
}

// Repository defines the data access the orchestrator needs. All methods
// run inside the caller's transaction.
type Repository interface {
	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	ApplyPayoutGuard(ctx context.Context, tx pgx.Tx, entityType EntityType, entityID string) (GuardResult, error)
	ApplyRefundGuard(ctx context.Context, tx pgx.Tx, sessionID, reason string) (GuardResult, error)
	RecordSettlement(ctx context.Context, tx pgx.Tx, rec SettlementRecord) error
}

// SettlementRecord is the durable audit row written for every settled
// payout or refund.
type SettlementRecord struct {
	IdempotencyKey     string
	EntityType         EntityType
	EntityID           string
	Kind               string
	AmountCents        int64
	DestinationAccount string
	ProcessorRef       string
}

type entityGuard struct {
	casSQL     string
	currentSQL string
	settled    string
}

// Each guard is a single conditional UPDATE: the write lands only if the row
// still holds the expected prior state, so concurrent callers race on the
// row lock and at most one of them applies.
var guards = map[EntityType]entityGuard{
	EntitySession: {
		casSQL: `UPDATE sessions
                 SET payment_status = 'released', updated_at = get_tx_timestamp()
                 WHERE id = $1 AND payment_status = 'paid' AND status = 'completed'`,
		currentSQL: `SELECT payment_status::text FROM sessions WHERE id = $1`,
		settled:    "released",
	},
	EntityReferral: {
		casSQL: `UPDATE referrals
                 SET status = 'rewarded', payout_date = get_tx_timestamp(), updated_at = get_tx_timestamp()
                 WHERE id = $1 AND status = 'verified'`,
		currentSQL: `SELECT status::text FROM referrals WHERE id = $1`,
		settled:    "rewarded",
	},
	EntityJobOffer: {
		casSQL: `UPDATE job_offers
                 SET status = 'paid', updated_at = get_tx_timestamp()
                 WHERE id = $1 AND status = 'confirmed'`,
		currentSQL: `SELECT status::text FROM job_offers WHERE id = $1`,
		settled:    "paid",
	},
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// ReserveIdempotencyKey claims the key inside the active transaction. A
// unique violation means the same request already settled.
func (r *PGRepository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("settlement: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("settlement: reserve idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) ApplyPayoutGuard(ctx context.Context, tx pgx.Tx, entityType EntityType, entityID string) (GuardResult, error) {
	guard, ok := guards[entityType]
	if !ok {
		return GuardResult{}, fmt.Errorf("settlement: unknown entity type %q", entityType)
	}

	tag, err := tx.Exec(ctx, guard.casSQL, entityID)
	if err != nil {
		return GuardResult{}, fmt.Errorf("settlement: payout guard %s: %w", entityType, err)
	}
	if tag.RowsAffected() == 1 {
		return GuardResult{Applied: true}, nil
	}

	var current string
	if err := tx.QueryRow(ctx, guard.currentSQL, entityID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GuardResult{}, ErrEntityNotFound
		}
		return GuardResult{}, fmt.Errorf("settlement: inspect %s state: %w", entityType, err)
	}
	if current == guard.settled {
		return GuardResult{AlreadySettled: true}, nil
	}
	return GuardResult{}, fmt.Errorf("%w: %s %s is %s", ErrInvalidTransition, entityType, entityID, current)
}

func (r *PGRepository) ApplyRefundGuard(ctx context.Context, tx pgx.Tx, sessionID, reason string) (GuardResult, error) {
	const casSQL = `
UPDATE sessions s
SET payment_status = 'refunded',
    refund_reason  = $2,
    updated_at     = get_tx_timestamp()
FROM (SELECT id, payment_status AS prior FROM sessions WHERE id = $1 FOR UPDATE) cur
WHERE s.id = cur.id AND cur.prior IN ('pending','paid')
RETURNING cur.prior::text
`
	var prior string
	err := tx.QueryRow(ctx, casSQL, sessionID, reason).Scan(&prior)
	if err == nil {
		return GuardResult{Applied: true, PriorPaymentStatus: prior}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return GuardResult{}, fmt.Errorf("settlement: refund guard: %w", err)
	}

	var current string
	if err := tx.QueryRow(ctx, `SELECT payment_status::text FROM sessions WHERE id = $1`, sessionID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GuardResult{}, ErrEntityNotFound
		}
		return GuardResult{}, fmt.Errorf("settlement: inspect refund state: %w", err)
	}
	if current == "refunded" {
		return GuardResult{AlreadySettled: true}, nil
	}
	return GuardResult{}, fmt.Errorf("%w: session %s payment is %s", ErrInvalidTransition, sessionID, current)
}

func (r *PGRepository) RecordSettlement(ctx context.Context, tx pgx.Tx, rec SettlementRecord) error {
	const q = `
INSERT INTO payouts (idempotency_key, entity_type, entity_id, kind, amount_cents, destination_account, status, processor_ref)
VALUES ($1, $2, $3, $4, $5, $6, 'settled', $7)
`
	_, err := tx.Exec(ctx, q,
		rec.IdempotencyKey,
		rec.EntityType,
		rec.EntityID,
		rec.Kind,
		rec.AmountCents,
		rec.DestinationAccount,
		nullableString(rec.ProcessorRef),
	)
	if err != nil {
		return fmt.Errorf("settlement: record settlement: %w", err)
	}
	return nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
