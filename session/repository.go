package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("session: not found")
)

const sessionColumns = `id, seeker_id, professional_id, starts_at, ends_at, status, payment_status,
    amount_cents, offer_bonus_cents, seeker_feedback_at, professional_feedback_at,
    cancel_reason, refund_reason, created_at, updated_at`

// Repository defines the data access the escrow service needs. Mutating
// methods run inside the caller's transaction so transitions, timeline
// entries, and outbox writes commit together.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Session, error)
	List(ctx context.Context, filters Filters) ([]Session, int, error)
	SetSchedule(ctx context.Context, tx pgx.Tx, id string, start, end time.Time) (Session, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, reason *string) (Session, error)
	CASPaymentStatus(ctx context.Context, tx pgx.Tx, id string, from, to PaymentStatus) (bool, error)
	StampSeekerFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error)
	StampProfessionalFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error)
	InsertVerification(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error)
	LatestVerification(ctx context.Context, sessionID string) (*Verification, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, s Session) (Session, error) {
	query := `
        INSERT INTO sessions (id, seeker_id, professional_id, starts_at, ends_at, status, payment_status,
            amount_cents, offer_bonus_cents)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING ` + sessionColumns

	row := tx.QueryRow(ctx, query,
		s.ID,
		s.SeekerID,
		s.ProfessionalID,
		s.StartsAt,
		s.EndsAt,
		s.Status,
		s.PaymentStatus,
		s.AmountCents,
		s.OfferBonusCents,
	)
	created, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	s, err := scanSession(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get for update: %w", err)
	}
	return s, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Session, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.SeekerID != "" {
		where = append(where, fmt.Sprintf("seeker_id=$%d", len(args)+1))
		args = append(args, filters.SeekerID)
	}
	if filters.ProfessionalID != "" {
		where = append(where, fmt.Sprintf("professional_id=$%d", len(args)+1))
		args = append(args, filters.ProfessionalID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.PaymentStatus != "" {
		where = append(where, fmt.Sprintf("payment_status=$%d", len(args)+1))
		args = append(args, filters.PaymentStatus)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM sessions%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		sessionColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("session: query list: %w", err)
	}
	defer rows.Close()

	list := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("session: scan list: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("session: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sessions%s", whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("session: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) SetSchedule(ctx context.Context, tx pgx.Tx, id string, start, end time.Time) (Session, error) {
	query := `
		UPDATE sessions
		SET status = 'scheduled',
		    starts_at = $2,
		    ends_at = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + sessionColumns

	s, err := scanSession(tx.QueryRow(ctx, query, id, start, end))
	if err != nil {
		return Session{}, fmt.Errorf("session: set schedule: %w", err)
	}
	return s, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, reason *string) (Session, error) {
	query := `
		UPDATE sessions
		SET status = $2,
		    cancel_reason = COALESCE($3, cancel_reason),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + sessionColumns

	s, err := scanSession(tx.QueryRow(ctx, query, id, status, reason))
	if err != nil {
		return Session{}, fmt.Errorf("session: update status: %w", err)
	}
	return s, nil
}

// CASPaymentStatus applies the payment transition only if the row still
// holds the expected prior value. Terminal payout states (released,
// refunded) are written exclusively by the settlement orchestrator.
func (r *PGRepository) CASPaymentStatus(ctx context.Context, tx pgx.Tx, id string, from, to PaymentStatus) (bool, error) {
	const query = `
		UPDATE sessions
		SET payment_status = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND payment_status = $2
	`
	tag, err := tx.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("session: cas payment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) StampSeekerFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error) {
	query := `
		UPDATE sessions
		SET seeker_feedback_at = COALESCE(seeker_feedback_at, $2),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + sessionColumns

	s, err := scanSession(tx.QueryRow(ctx, query, id, at))
	if err != nil {
		return Session{}, fmt.Errorf("session: stamp seeker feedback: %w", err)
	}
	return s, nil
}

func (r *PGRepository) StampProfessionalFeedback(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Session, error) {
	query := `
		UPDATE sessions
		SET professional_feedback_at = COALESCE(professional_feedback_at, $2),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + sessionColumns

	s, err := scanSession(tx.QueryRow(ctx, query, id, at))
	if err != nil {
		return Session{}, fmt.Errorf("session: stamp professional feedback: %w", err)
	}
	return s, nil
}

func (r *PGRepository) InsertVerification(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error) {
	const query = `
		INSERT INTO session_verifications (session_id, verified, method, duration_minutes, participant_count, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, verified, method, duration_minutes, participant_count, COALESCE(reason, ''), recorded_at
	`
	var out Verification
	err := tx.QueryRow(ctx, query,
		v.SessionID,
		v.Verified,
		v.Method,
		v.DurationMinutes,
		v.ParticipantCount,
		nullableString(v.Reason),
	).Scan(&out.ID, &out.SessionID, &out.Verified, &out.Method, &out.DurationMinutes, &out.ParticipantCount, &out.Reason, &out.RecordedAt)
	if err != nil {
		return Verification{}, fmt.Errorf("session: insert verification: %w", err)
	}
	return out, nil
}

// LatestVerification returns the authoritative evidence row, or nil when no
// signal has arrived yet. Last valid delivery wins.
func (r *PGRepository) LatestVerification(ctx context.Context, sessionID string) (*Verification, error) {
	const query = `
		SELECT id, session_id, verified, method, duration_minutes, participant_count, COALESCE(reason, ''), recorded_at
		FROM session_verifications
		WHERE session_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`
	var v Verification
	err := r.pool.QueryRow(ctx, query, sessionID).
		Scan(&v.ID, &v.SessionID, &v.Verified, &v.Method, &v.DurationMinutes, &v.ParticipantCount, &v.Reason, &v.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: latest verification: %w", err)
	}
	return &v, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	return s, row.Scan(
		&s.ID,
		&s.SeekerID,
		&s.ProfessionalID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Status,
		&s.PaymentStatus,
		&s.AmountCents,
		&s.OfferBonusCents,
		&s.SeekerFeedbackAt,
		&s.ProfessionalFeedbackAt,
		&s.CancelReason,
		&s.RefundReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
