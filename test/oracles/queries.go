package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxMaxAttempts must match the relay the stress run starts.
const OutboxMaxAttempts = 3

type Oracle struct {
	Name string
	SQL  string
}

// All lists invariant queries. Each returns rows only when the invariant is
// broken; every query runs in one snapshot, so in-flight transactions are
// invisible.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_listing_single_open_swap",
			SQL: `WITH legs AS (
                      SELECT listing_a AS listing_id, id FROM swaps
                      WHERE status IN ('requested','handshake','fee_pending','fee_paid','executing','proofing','disputed')
                      UNION ALL
                      SELECT listing_b, id FROM swaps
                      WHERE status IN ('requested','handshake','fee_pending','fee_paid','executing','proofing','disputed'))
                  SELECT listing_id, COUNT(*) FROM legs GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_listings_paid",
			SQL: `SELECT s.id, l.id, l.status FROM swaps s
                  JOIN listings l ON l.id IN (s.listing_a, s.listing_b)
                  WHERE s.status = 'completed' AND l.status <> 'paid'`,
		},
		{
			Name: "O3_event_seq_contiguous",
			SQL: `SELECT swap_id, seq, rn FROM (
                      SELECT swap_id, seq, ROW_NUMBER() OVER (PARTITION BY swap_id ORDER BY seq) AS rn
                      FROM events) e
                  WHERE seq <> rn`,
		},
		{
			Name: "O4_terminal_swap_holds_claim",
			SQL: `SELECT c.listing_id, s.id, s.status FROM listing_claims c
                  JOIN swaps s ON s.id = c.swap_id
                  WHERE s.status IN ('completed','failed','expired','cancelled','refunded')`,
		},
		{
			Name: "O5_matched_listing_claimed",
			SQL: `SELECT l.id, l.status FROM listings l
                  LEFT JOIN listing_claims c ON c.listing_id = l.id
                  WHERE (l.status = 'matched') <> (c.listing_id IS NOT NULL)`,
		},
		{
			Name: "O6_tier_purity",
			SQL: `SELECT user_id, tier, successful_swaps, disputed_swaps FROM trust_ledger
                  WHERE tier <> GREATEST(1, LEAST(4,
                      1 + (successful_swaps >= 5)::int + (successful_swaps >= 15)::int
                        + (successful_swaps >= 35)::int + (successful_swaps >= 50)::int) - disputed_swaps)`,
		},
		{
			Name: "O7_success_credited_once",
			SQL: `SELECT credited, completed FROM (
                      SELECT (SELECT COALESCE(SUM(successful_swaps), 0) FROM trust_ledger) AS credited,
                             (SELECT COUNT(*) FROM swaps WHERE status = 'completed') * 2 AS completed) t
                  WHERE credited <> completed`,
		},
		{
			Name: "O8_outbox_retries_bounded",
			SQL:  fmt.Sprintf(`SELECT id, attempts FROM outbox WHERE status = 'pending' AND attempts >= %d`, OutboxMaxAttempts),
		},
		{
			Name: "O9_penalized_without_responsible",
			SQL: `SELECT id FROM swaps
                  WHERE dispute_penalized AND cardinality(responsible_user_ids) = 0`,
		},
	}
}

// Violation is the first offending row of a failed oracle.
type Violation struct {
	Oracle string
	Row    []any
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: %v", v.Oracle, v.Row)
}

// Check runs every oracle in order and stops at the first violation.
func Check(ctx context.Context, pool *pgxpool.Pool) (*Violation, error) {
	for _, o := range All() {
		v, err := check(ctx, pool, o)
		if err != nil || v != nil {
			return v, err
		}
	}
	return nil, nil
}

func check(ctx context.Context, pool *pgxpool.Pool, o Oracle) (*Violation, error) {
	rows, err := pool.Query(ctx, o.SQL)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", o.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", o.Name, err)
	}
	return &Violation{Oracle: o.Name, Row: vals}, nil
}
