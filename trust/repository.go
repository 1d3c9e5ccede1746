package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"billswap/db"
)

type Repository interface {
	Get(ctx context.Context, userID string) (Record, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, userID string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `user_id, tier, total_swaps, successful_swaps, disputed_swaps, trust_points, eligibility_locked_until, updated_at`

// Get returns the stored record, or a fresh one when the user has no history.
func (r *PGRepository) Get(ctx context.Context, userID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM trust_ledger WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return NewRecord(userID), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("trust: get %s: %w", userID, err)
	}
	return rec, nil
}

// LockForUpdate creates the row on first activity and locks it for the rest of tx.
func (r *PGRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, userID string) (Record, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO trust_ledger (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID,
	); err != nil {
		return Record{}, fmt.Errorf("trust: ensure %s: %w", userID, err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM trust_ledger WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return Record{}, fmt.Errorf("trust: lock %s: %w", userID, err)
	}
	return rec, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
        UPDATE trust_ledger
        SET tier = $2, total_swaps = $3, successful_swaps = $4, disputed_swaps = $5,
            trust_points = $6, eligibility_locked_until = $7, updated_at = now()
        WHERE user_id = $1
        RETURNING ` + recordColumns

	updated, err := scanRecord(tx.QueryRow(ctx, query,
		rec.UserID,
		int(rec.Tier),
		rec.TotalSwaps,
		rec.SuccessfulSwaps,
		rec.DisputedSwaps,
		rec.TrustPoints,
		rec.EligibilityLockedUntil,
	))
	if err != nil {
		return Record{}, fmt.Errorf("trust: update %s: %w", rec.UserID, err)
	}
	return updated, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec  Record
		tier int
	)
	if err := row.Scan(
		&rec.UserID,
		&tier,
		&rec.TotalSwaps,
		&rec.SuccessfulSwaps,
		&rec.DisputedSwaps,
		&rec.TrustPoints,
		&rec.EligibilityLockedUntil,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Tier = Tier(tier)
	return rec, nil
}
