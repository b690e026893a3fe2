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

// All returns the invariant queries; each must come back empty on a
// consistent database no matter how the actors interleave.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_buckets_bounded",
			SQL: `SELECT id, amount_total, amount_held, amount_released, amount_refunded
                  FROM payment_orders
                  WHERE amount_held < 0 OR amount_released < 0 OR amount_refunded < 0
                     OR amount_held + amount_released + amount_refunded > amount_total`,
		},
		{
			Name: "O2_funded_balanced",
			SQL: `SELECT id, status, amount_total, amount_held + amount_released + amount_refunded AS accounted
                  FROM payment_orders
                  WHERE status <> 'pending_payment'
                    AND NOT needs_reconciliation
                    AND amount_held + amount_released + amount_refunded <> amount_total`,
		},
		{
			Name: "O3_buckets_match_event_log",
			SQL: `WITH folded AS (
                      SELECT order_id,
                             COALESCE(SUM(CASE WHEN type='funded' THEN amount
                                              WHEN type IN ('released','refund_requested') THEN -amount
                                              ELSE 0 END), 0) AS held,
                             COALESCE(SUM(CASE WHEN type='released' THEN amount ELSE 0 END), 0) AS released,
                             COALESCE(SUM(CASE WHEN type='refund_requested' THEN amount ELSE 0 END), 0) AS refunded
                      FROM payment_events
                      GROUP BY order_id)
                  SELECT o.id, o.amount_held, f.held, o.amount_released, f.released, o.amount_refunded, f.refunded
                  FROM payment_orders o
                  JOIN folded f ON f.order_id = o.id
                  WHERE NOT o.needs_reconciliation
                    AND (o.amount_held <> f.held
                      OR o.amount_released <> f.released
                      OR o.amount_refunded <> f.refunded)`,
		},
		{
			Name: "O4_payment_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT order_id, seq,
                             LAG(seq) OVER (PARTITION BY order_id ORDER BY seq) AS prev
                      FROM payment_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT engagement_id, seq,
                             LAG(seq) OVER (PARTITION BY engagement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O6_milestone_sum_bounded",
			SQL: `SELECT o.id, o.amount_total, SUM(m.amount) AS planned
                  FROM payment_orders o
                  JOIN milestones m ON m.order_id = o.id
                  WHERE m.status <> 'cancelled'
                  GROUP BY o.id, o.amount_total
                  HAVING SUM(m.amount) > o.amount_total`,
		},
		{
			Name: "O7_released_matches_milestones",
			SQL: `SELECT o.id, o.amount_released, COALESCE(r.total, 0) AS milestone_released
                  FROM payment_orders o
                  LEFT JOIN (SELECT order_id, SUM(amount) AS total
                             FROM milestones WHERE status = 'released'
                             GROUP BY order_id) r ON r.order_id = o.id
                  WHERE NOT o.needs_reconciliation
                    AND o.amount_released <> COALESCE(r.total, 0)`,
		},
		{
			Name: "O8_dispute_freeze_consistent",
			SQL: `SELECT o.id, o.hold_blocked_by_dispute
                  FROM payment_orders o
                  WHERE o.hold_blocked_by_dispute <> EXISTS (
                      SELECT 1 FROM milestones m
                      WHERE m.order_id = o.id AND m.status = 'disputed')`,
		},
		{
			Name: "O9_settlements_match_events",
			SQL: `WITH settled AS (
                      SELECT order_id,
                             COALESCE(SUM(amount) FILTER (WHERE kind='funding'), 0) AS funded,
                             COALESCE(SUM(amount) FILTER (WHERE kind='refund'), 0) AS refunded
                      FROM settlements GROUP BY order_id),
                  logged AS (
                      SELECT order_id,
                             COALESCE(SUM(amount) FILTER (WHERE type='funded'), 0) AS funded,
                             COALESCE(SUM(amount) FILTER (WHERE type='refunded'), 0) AS refunded
                      FROM payment_events GROUP BY order_id)
                  SELECT s.order_id, s.funded, l.funded, s.refunded, l.refunded
                  FROM settled s
                  JOIN logged l ON l.order_id = s.order_id
                  WHERE s.funded <> l.funded OR s.refunded <> l.refunded`,
		},
		{
			Name: "O10_auto_complete_once",
			SQL: `SELECT engagement_id, COUNT(*) FROM timeline_events
                  WHERE type = 'COMPLETION_AUTO'
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O11_completed_engagement_confirmed",
			SQL: `SELECT id, completion_status FROM engagements
                  WHERE status = 'completed'
                    AND completion_status NOT IN ('confirmed_by_client','auto_completed')`,
		},
		{
			Name: "O12_no_reconciliation_flags",
			SQL:  `SELECT id, status FROM payment_orders WHERE needs_reconciliation`,
		},
		{
			Name: "O13_no_stale_outbox",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name plus a
// sample row) or an empty name if everything holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
