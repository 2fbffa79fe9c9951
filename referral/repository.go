package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("referral: not found")
)

const referralColumns = `id, professional_id, candidate_email, colleague_email, status,
    email_domain_verified, reward_amount_cents, payout_date, reject_reason, created_at, updated_at`

// Repository defines the data access the reward machine needs.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, r Referral) (Referral, error)
	Get(ctx context.Context, id string) (Referral, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Referral, error)
	List(ctx context.Context, filters Filters) ([]Referral, int, error)
	SetDomainVerified(ctx context.Context, tx pgx.Tx, id string, verified bool) (Referral, error)
	CASVerify(ctx context.Context, tx pgx.Tx, id string, rewardAmountCents int64) (bool, error)
	CASReject(ctx context.Context, tx pgx.Tx, id string, reason string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, ref Referral) (Referral, error) {
	query := `
        INSERT INTO referrals (id, professional_id, candidate_email, colleague_email, status, email_domain_verified)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING ` + referralColumns

	row := tx.QueryRow(ctx, query,
		ref.ID,
		ref.ProfessionalID,
		ref.CandidateEmail,
		ref.ColleagueEmail,
		ref.Status,
		ref.EmailDomainVerified,
	)
	created, err := scanReferral(row)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1`
	ref, err := scanReferral(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, fmt.Errorf("referral: get: %w", err)
	}
	return ref, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1 FOR UPDATE`
	ref, err := scanReferral(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, fmt.Errorf("referral: get for update: %w", err)
	}
	return ref, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Referral, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ProfessionalID != "" {
		where = append(where, fmt.Sprintf("professional_id=$%d", len(args)+1))
		args = append(args, filters.ProfessionalID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM referrals%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		referralColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("referral: query list: %w", err)
	}
	defer rows.Close()

	list := []Referral{}
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("referral: scan list: %w", err)
		}
		list = append(list, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("referral: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM referrals%s", whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("referral: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) SetDomainVerified(ctx context.Context, tx pgx.Tx, id string, verified bool) (Referral, error) {
	query := `
		UPDATE referrals
		SET email_domain_verified = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + referralColumns

	ref, err := scanReferral(tx.QueryRow(ctx, query, id, verified))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, fmt.Errorf("referral: set domain verified: %w", err)
	}
	return ref, nil
}

// CASVerify moves pending -> verified and sets the reward amount exactly
// once. The guard includes reward_amount_cents IS NULL so the amount can
// never be rewritten, even by a replayed verify.
func (r *PGRepository) CASVerify(ctx context.Context, tx pgx.Tx, id string, rewardAmountCents int64) (bool, error) {
	const query = `
		UPDATE referrals
		SET status = 'verified',
		    reward_amount_cents = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		  AND status = 'pending'
		  AND email_domain_verified
		  AND reward_amount_cents IS NULL
	`
	tag, err := tx.Exec(ctx, query, id, rewardAmountCents)
	if err != nil {
		return false, fmt.Errorf("referral: cas verify: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) CASReject(ctx context.Context, tx pgx.Tx, id string, reason string) (bool, error) {
	const query = `
		UPDATE referrals
		SET status = 'rejected',
		    reject_reason = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("referral: cas reject: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanReferral(row pgx.Row) (Referral, error) {
	var ref Referral
	return ref, row.Scan(
		&ref.ID,
		&ref.ProfessionalID,
		&ref.CandidateEmail,
		&ref.ColleagueEmail,
		&ref.Status,
		&ref.EmailDomainVerified,
		&ref.RewardAmountCents,
		&ref.PayoutDate,
		&ref.RejectReason,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	)
}
