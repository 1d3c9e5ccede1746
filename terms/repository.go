package terms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
)

var (
	ErrNotFound  = apperr.Sentinel(apperr.CodeNotFound, "terms: not found")
	ErrOpenTerms = apperr.Sentinel(apperr.CodeConcurrentModification, "terms: swap already has open terms")
	ErrStale     = apperr.Sentinel(apperr.CodeConcurrentModification, "terms: status changed")
)

const openTermsIndex = "deal_terms_one_open"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, t Terms) (Terms, error)
	Get(ctx context.Context, id string) (Terms, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, at time.Time) (Terms, error)
	Latest(ctx context.Context, swapID string) (Terms, error)
	Accepted(ctx context.Context, swapID string) (Terms, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const termsColumns = `id, swap_id, version, status, proposed_by, COALESCE(first_payer, ''), amount_a, amount_b,
    payment_deadline_hours, proof_required, penalty_policy, created_at, decided_at`

// Insert stores a new version. A second open record for the swap yields
// ErrOpenTerms.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, t Terms) (Terms, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO deal_terms (id, swap_id, version, status, proposed_by, first_payer, amount_a, amount_b,
            payment_deadline_hours, proof_required, penalty_policy, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
        RETURNING `+termsColumns,
		t.ID, t.SwapID, t.Version, t.Status, t.ProposedBy, t.FirstPayer, t.AmountA, t.AmountB,
		t.PaymentDeadlineHours, t.ProofRequired, t.PenaltyPolicy, t.CreatedAt)
	out, err := scanTerms(row)
	if err != nil {
		if db.IsUniqueViolation(err, openTermsIndex) || db.IsUniqueViolation(err, "deal_terms_swap_id_version_key") {
			return Terms{}, ErrOpenTerms
		}
		return Terms{}, fmt.Errorf("terms: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Terms, error) {
	return r.one(ctx, `SELECT `+termsColumns+` FROM deal_terms WHERE id = $1`, id)
}

func (r *PGRepository) Latest(ctx context.Context, swapID string) (Terms, error) {
	return r.one(ctx, `SELECT `+termsColumns+` FROM deal_terms WHERE swap_id = $1 ORDER BY version DESC LIMIT 1`, swapID)
}

func (r *PGRepository) Accepted(ctx context.Context, swapID string) (Terms, error) {
	return r.one(ctx, `SELECT `+termsColumns+` FROM deal_terms WHERE swap_id = $1 AND status = 'accepted' ORDER BY version DESC LIMIT 1`, swapID)
}

// SetStatus moves a record from one status to another, stamping decided_at
// for final decisions. A record no longer in from yields ErrStale.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, at time.Time) (Terms, error) {
	row := tx.QueryRow(ctx, `
        UPDATE deal_terms SET status = $3,
            decided_at = CASE WHEN $3 IN ('accepted', 'rejected') THEN $4 ELSE decided_at END
        WHERE id = $1 AND status = $2
        RETURNING `+termsColumns, id, from, to, at)
	out, err := scanTerms(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Terms{}, ErrStale
		}
		return Terms{}, fmt.Errorf("terms: set status: %w", err)
	}
	return out, nil
}

func (r *PGRepository) one(ctx context.Context, query string, arg string) (Terms, error) {
	t, err := scanTerms(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Terms{}, ErrNotFound
		}
		return Terms{}, fmt.Errorf("terms: get: %w", err)
	}
	return t, nil
}

func scanTerms(row pgx.Row) (Terms, error) {
	var t Terms
	var version int16
	err := row.Scan(&t.ID, &t.SwapID, &version, &t.Status, &t.ProposedBy, &t.FirstPayer, &t.AmountA, &t.AmountB,
		&t.PaymentDeadlineHours, &t.ProofRequired, &t.PenaltyPolicy, &t.CreatedAt, &t.DecidedAt)
	t.Version = int(version)
	return t, err
}
