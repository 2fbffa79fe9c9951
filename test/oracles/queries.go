package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants the stress run must never violate, expressed as
// queries that return rows only on a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_at_most_one_settlement_per_entity",
			SQL: `SELECT entity_type, entity_id, kind, COUNT(*) FROM payouts
                  GROUP BY entity_type, entity_id, kind HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_and_refund_exclusive",
			SQL: `SELECT entity_id FROM payouts WHERE entity_type = 'session'
                  GROUP BY entity_id HAVING COUNT(DISTINCT kind) > 1`,
		},
		{
			Name: "O3_released_requires_completed",
			SQL: `SELECT id, status, payment_status FROM sessions
                  WHERE payment_status = 'released' AND status <> 'completed'`,
		},
		{
			Name: "O4_payout_row_matches_entity_state",
			SQL: `SELECT p.entity_id FROM payouts p
                  JOIN sessions s ON s.id = p.entity_id
                  WHERE p.entity_type = 'session'
                    AND ((p.kind = 'payout' AND s.payment_status <> 'released')
                      OR (p.kind = 'refund' AND s.payment_status <> 'refunded'))`,
		},
		{
			Name: "O5_reward_amount_set_when_verified",
			SQL: `SELECT id, status FROM referrals
                  WHERE status IN ('verified','rewarded') AND reward_amount_cents IS NULL`,
		},
		{
			Name: "O6_rewarded_referral_has_payout",
			SQL: `SELECT r.id FROM referrals r
                  WHERE r.status = 'rewarded'
                    AND NOT EXISTS (SELECT 1 FROM payouts p
                                    WHERE p.entity_type = 'referral' AND p.entity_id = r.id)`,
		},
		{
			Name: "O7_offer_confirmer_is_counterparty",
			SQL: `SELECT id FROM job_offers
                  WHERE confirmed_by IS NOT NULL AND confirmed_by = reported_by`,
		},
		{
			Name: "O8_paid_offer_was_confirmed",
			SQL:  `SELECT id FROM job_offers WHERE status = 'paid' AND confirmed_by IS NULL`,
		},
		{
			Name: "O9_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT entity_type, entity_id, seq,
                             LAG(seq) OVER (PARTITION BY entity_type, entity_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O10_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
