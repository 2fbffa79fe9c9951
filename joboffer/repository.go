package joboffer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mentorflow/party"
)

var (
	ErrNotFound = errors.New("joboffer: not found")
	// ErrDuplicateOpenOffer signals the partial unique index rejected a
	// second open offer for the same session.
	ErrDuplicateOpenOffer = errors.New("joboffer: open offer already exists")
)

const offerColumns = `id, session_id, status, reported_by, confirmed_by, bonus_amount_cents,
    company, job_title, created_at, updated_at`

// Repository defines the data access the bonus machine needs.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	Get(ctx context.Context, id string) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	GetOpenBySession(ctx context.Context, tx pgx.Tx, sessionID string) (Offer, error)
	ListBySession(ctx context.Context, sessionID string) ([]Offer, error)
	CASConfirm(ctx context.Context, tx pgx.Tx, id string, confirmer party.OfferParty) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := `
        INSERT INTO job_offers (id, session_id, status, reported_by, bonus_amount_cents, company, job_title)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
        RETURNING ` + offerColumns

	row := tx.QueryRow(ctx, query,
		o.ID,
		o.SessionID,
		o.Status,
		o.ReportedBy,
		o.BonusAmountCents,
		o.Company,
		o.JobTitle,
	)
	created, err := scanOffer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Offer{}, ErrDuplicateOpenOffer
		}
		return Offer{}, fmt.Errorf("joboffer: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers WHERE id = $1`
	o, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("joboffer: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers WHERE id = $1 FOR UPDATE`
	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("joboffer: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetOpenBySession(ctx context.Context, tx pgx.Tx, sessionID string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers
        WHERE session_id = $1 AND status IN ('reported','confirmed')
        LIMIT 1`
	o, err := scanOffer(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("joboffer: get open by session: %w", err)
	}
	return o, nil
}

func (r *PGRepository) ListBySession(ctx context.Context, sessionID string) ([]Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers WHERE session_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("joboffer: list by session: %w", err)
	}
	defer rows.Close()

	out := make([]Offer, 0, 4)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("joboffer: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("joboffer: iterate: %w", err)
	}
	return out, nil
}

// CASConfirm moves reported -> confirmed only when the confirmer is the
// counterparty of the reporter.
func (r *PGRepository) CASConfirm(ctx context.Context, tx pgx.Tx, id string, confirmer party.OfferParty) (bool, error) {
	const query = `
		UPDATE job_offers
		SET status = 'confirmed',
		    confirmed_by = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'reported' AND reported_by <> $2
	`
	tag, err := tx.Exec(ctx, query, id, confirmer)
	if err != nil {
		return false, fmt.Errorf("joboffer: cas confirm: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.SessionID,
		&o.Status,
		&o.ReportedBy,
		&o.ConfirmedBy,
		&o.BonusAmountCents,
		&o.Company,
		&o.JobTitle,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}
