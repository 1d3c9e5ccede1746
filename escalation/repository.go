package escalation

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
	ErrNotFound       = apperr.Sentinel(apperr.CodeNotFound, "escalation: sanction not found")
	ErrAppealConflict = apperr.Sentinel(apperr.CodeInvalidTransition, "escalation: appeal status changed")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, s Sanction) (Sanction, error)
	CountSince(ctx context.Context, tx pgx.Tx, userID string, since time.Time) (int, error)
	Get(ctx context.Context, id string) (Sanction, error)
	ListByUser(ctx context.Context, userID string) ([]Sanction, error)
	UpdateAppeal(ctx context.Context, tx pgx.Tx, id string, from, to AppealStatus, reason string, at time.Time) (Sanction, error)
	ResolvePendingForSwap(ctx context.Context, tx pgx.Tx, swapID string, to AppealStatus, at time.Time) ([]Sanction, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const sanctionColumns = `id, user_id, reason, penalty, deducted, COALESCE(related_swap_id::text, ''), was_deactivated, was_banned,
    appeal_status, COALESCE(appeal_reason, ''), appealed_at, appeal_resolved_at, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, s Sanction) (Sanction, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO sanctions (id, user_id, reason, penalty, deducted, related_swap_id, was_deactivated, was_banned, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7, $8, $9)
        RETURNING `+sanctionColumns,
		s.ID, s.UserID, s.Reason, s.Penalty, s.Deducted, s.SwapID, s.WasDeactivated, s.WasBanned, s.CreatedAt)
	out, err := scanSanction(row)
	if err != nil {
		return Sanction{}, fmt.Errorf("escalation: insert sanction: %w", err)
	}
	return out, nil
}

// CountSince counts the user's sanctions created after since. It takes a
// transaction-scoped advisory lock on the user so concurrent sanctions for
// the same user see each other.
func (r *PGRepository) CountSince(ctx context.Context, tx pgx.Tx, userID string, since time.Time) (int, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('sanctions:' || $1))`, userID); err != nil {
		return 0, fmt.Errorf("escalation: lock user: %w", err)
	}
	var n int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM sanctions WHERE user_id = $1 AND created_at > $2`, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("escalation: count sanctions: %w", err)
	}
	return n, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Sanction, error) {
	s, err := scanSanction(r.pool.QueryRow(ctx, `SELECT `+sanctionColumns+` FROM sanctions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sanction{}, ErrNotFound
		}
		return Sanction{}, fmt.Errorf("escalation: get sanction: %w", err)
	}
	return s, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string) ([]Sanction, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT `+sanctionColumns+` FROM sanctions
        WHERE user_id = $1
        ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("escalation: list sanctions: %w", err)
	}
	return collect(rows)
}

// UpdateAppeal moves the appeal from one status to another. A sanction not
// in from yields ErrAppealConflict.
func (r *PGRepository) UpdateAppeal(ctx context.Context, tx pgx.Tx, id string, from, to AppealStatus, reason string, at time.Time) (Sanction, error) {
	row := tx.QueryRow(ctx, `
        UPDATE sanctions SET
            appeal_status = $3,
            appeal_reason = CASE WHEN $3 = 'pending' THEN $4 ELSE appeal_reason END,
            appealed_at = CASE WHEN $3 = 'pending' THEN $5 ELSE appealed_at END,
            appeal_resolved_at = CASE WHEN $3 IN ('upheld', 'overturned') THEN $5 ELSE appeal_resolved_at END
        WHERE id = $1 AND appeal_status = $2
        RETURNING `+sanctionColumns, id, from, to, reason, at)
	s, err := scanSanction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sanction{}, ErrAppealConflict
		}
		return Sanction{}, fmt.Errorf("escalation: update appeal: %w", err)
	}
	return s, nil
}

func (r *PGRepository) ResolvePendingForSwap(ctx context.Context, tx pgx.Tx, swapID string, to AppealStatus, at time.Time) ([]Sanction, error) {
	rows, err := tx.Query(ctx, `
        UPDATE sanctions SET appeal_status = $2, appeal_resolved_at = $3
        WHERE related_swap_id = $1 AND appeal_status = 'pending'
        RETURNING `+sanctionColumns, swapID, to, at)
	if err != nil {
		return nil, fmt.Errorf("escalation: resolve appeals: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Sanction, error) {
	defer rows.Close()
	out := []Sanction{}
	for rows.Next() {
		s, err := scanSanction(rows)
		if err != nil {
			return nil, fmt.Errorf("escalation: scan sanction: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escalation: iterate sanctions: %w", err)
	}
	return out, nil
}

func scanSanction(row pgx.Row) (Sanction, error) {
	var s Sanction
	err := row.Scan(&s.ID, &s.UserID, &s.Reason, &s.Penalty, &s.Deducted, &s.SwapID, &s.WasDeactivated, &s.WasBanned,
		&s.AppealStatus, &s.AppealReason, &s.AppealedAt, &s.AppealResolvedAt, &s.CreatedAt)
	return s, err
}
