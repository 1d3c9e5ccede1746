package swap

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
	ErrNotFound                = apperr.Sentinel(apperr.CodeNotFound, "swap: not found")
	ErrStale                   = apperr.Sentinel(apperr.CodeConcurrentModification, "swap: modified concurrently")
	ErrListingClaimed          = apperr.Sentinel(apperr.CodeConcurrentModification, "swap: listing already claimed")
	ErrDuplicateIdempotencyKey = errors.New("swap: duplicate idempotency key")
)

const claimsPrimaryKey = "listing_claims_pkey"

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, sw Swap) (Swap, error)
	Get(ctx context.Context, id string) (Swap, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Swap, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Swap, error)
	Update(ctx context.Context, tx pgx.Tx, sw Swap, expectStatus Status, expectVersion int) (Swap, error)
	ReleaseClaims(ctx context.Context, tx pgx.Tx, swapID string) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	FingerprintSeen(ctx context.Context, fingerprint, excludeSwapID string) (bool, error)
	ListSweepable(ctx context.Context, now, remindBefore time.Time, limit int) ([]string, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Swap, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const swapColumns = `id, listing_a, listing_b, user_a, user_b, amount_a, amount_b, status,
    a_fee_paid, a_committed_at, a_paid_partner, a_proof_url, a_proof_fingerprint, a_proof_status, a_confidence, a_hold_reason, a_completed_at,
    b_fee_paid, b_committed_at, b_paid_partner, b_proof_url, b_proof_fingerprint, b_proof_status, b_confidence, b_hold_reason, b_completed_at,
    expires_at, ghosted_at, reminder_sent_at, dispute_reason, responsible_user_ids, dispute_penalized, version, created_at, updated_at`

// Create inserts the swap and claims both listings for it. A listing that
// already belongs to another open swap yields ErrListingClaimed.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, sw Swap) (Swap, error) {
	const insertSwap = `
        INSERT INTO swaps (id, listing_a, listing_b, user_a, user_b, amount_a, amount_b, status, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING ` + swapColumns

	created, err := scanSwap(tx.QueryRow(ctx, insertSwap,
		sw.ID,
		sw.ListingA,
		sw.ListingB,
		sw.UserA,
		sw.UserB,
		sw.AmountA,
		sw.AmountB,
		sw.Status,
		sw.ExpiresAt,
	))
	if err != nil {
		return Swap{}, fmt.Errorf("swap: insert: %w", err)
	}

	for _, listingID := range []string{sw.ListingA, sw.ListingB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO listing_claims (listing_id, swap_id) VALUES ($1, $2)`, listingID, created.ID,
		); err != nil {
			if db.IsUniqueViolation(err, claimsPrimaryKey) {
				return Swap{}, ErrListingClaimed
			}
			return Swap{}, fmt.Errorf("swap: claim listing %s: %w", listingID, err)
		}
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Swap, error) {
	return r.get(ctx, r.pool, id, false)
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	return r.get(ctx, tx, id, false)
}

// LockTx reads the swap and holds its row lock until tx ends. Writers that
// append to the timeline without a status change take it so they serialize
// with Mutate.
func (r *PGRepository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	return r.get(ctx, tx, id, true)
}

func (r *PGRepository) get(ctx context.Context, q db.Querier, id string, forUpdate bool) (Swap, error) {
	query := `SELECT ` + swapColumns + ` FROM swaps WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sw, err := scanSwap(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Swap{}, ErrNotFound
		}
		return Swap{}, fmt.Errorf("swap: get: %w", err)
	}
	return sw, nil
}

// Update persists every mutable column if the row still has the expected
// status and version, bumping the version. Otherwise ErrStale.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, sw Swap, expectStatus Status, expectVersion int) (Swap, error) {
	const query = `
        UPDATE swaps SET
            status = $4,
            a_fee_paid = $5, a_committed_at = $6, a_paid_partner = $7, a_proof_url = NULLIF($8, ''),
            a_proof_fingerprint = NULLIF($9, ''), a_proof_status = $10, a_confidence = $11,
            a_hold_reason = NULLIF($12, ''), a_completed_at = $13,
            b_fee_paid = $14, b_committed_at = $15, b_paid_partner = $16, b_proof_url = NULLIF($17, ''),
            b_proof_fingerprint = NULLIF($18, ''), b_proof_status = $19, b_confidence = $20,
            b_hold_reason = NULLIF($21, ''), b_completed_at = $22,
            expires_at = $23, ghosted_at = $24, reminder_sent_at = $25,
            dispute_reason = NULLIF($26, ''), responsible_user_ids = $27, dispute_penalized = $28,
            version = version + 1, updated_at = now()
        WHERE id = $1 AND status = $2 AND version = $3
        RETURNING ` + swapColumns

	responsible := sw.ResponsibleUserIDs
	if responsible == nil {
		responsible = []string{}
	}
	updated, err := scanSwap(tx.QueryRow(ctx, query,
		sw.ID, expectStatus, expectVersion,
		sw.Status,
		sw.A.FeePaid, sw.A.CommittedAt, sw.A.PaidPartner, sw.A.ProofURL,
		sw.A.ProofFingerprint, proofStatusOrNone(sw.A.ProofStatus), nullableConfidence(sw.A),
		sw.A.HoldReason, sw.A.CompletedAt,
		sw.B.FeePaid, sw.B.CommittedAt, sw.B.PaidPartner, sw.B.ProofURL,
		sw.B.ProofFingerprint, proofStatusOrNone(sw.B.ProofStatus), nullableConfidence(sw.B),
		sw.B.HoldReason, sw.B.CompletedAt,
		sw.ExpiresAt, sw.GhostedAt, sw.ReminderSentAt,
		sw.DisputeReason, responsible, sw.DisputePenalized,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Swap{}, ErrStale
		}
		return Swap{}, fmt.Errorf("swap: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ReleaseClaims(ctx context.Context, tx pgx.Tx, swapID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM listing_claims WHERE swap_id = $1`, swapID); err != nil {
		return fmt.Errorf("swap: release claims: %w", err)
	}
	return nil
}

// InsertIdempotencyKey reserves key inside tx.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("swap: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("swap: insert idempotency key: %w", err)
	}
	return nil
}

// FingerprintSeen reports whether a proof with this fingerprint was submitted
// on any other swap.
func (r *PGRepository) FingerprintSeen(ctx context.Context, fingerprint, excludeSwapID string) (bool, error) {
	var seen bool
	err := r.pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM swaps
            WHERE id <> $2 AND (a_proof_fingerprint = $1 OR b_proof_fingerprint = $1)
        )`, fingerprint, excludeSwapID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("swap: fingerprint lookup: %w", err)
	}
	return seen, nil
}

// ListSweepable returns ids of active swaps that either passed their deadline
// without being handled, or are inside the reminder window without a reminder.
func (r *PGRepository) ListSweepable(ctx context.Context, now, remindBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id FROM swaps
        WHERE status = ANY($1)
          AND expires_at <= $3
          AND NOT (expires_at > $2 AND reminder_sent_at IS NOT NULL)
          AND NOT (expires_at <= $2 AND ghosted_at IS NOT NULL)
        ORDER BY expires_at, id
        LIMIT $4`, statusStrings(activeStatuses), now, remindBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("swap: list sweepable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("swap: scan sweepable: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swap: iterate sweepable: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Swap, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+swapColumns+` FROM swaps
        WHERE user_a = $1 OR user_b = $1
        ORDER BY created_at DESC, id
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("swap: list by user: %w", err)
	}
	defer rows.Close()

	out := []Swap{}
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, fmt.Errorf("swap: scan: %w", err)
		}
		out = append(out, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swap: iterate: %w", err)
	}
	return out, nil
}

type legColumns struct {
	proofURL, fingerprint, holdReason *string
	confidence                        *float64
	proofStatus                       string
}

func (c legColumns) apply(l *Leg) {
	if c.proofURL != nil {
		l.ProofURL = *c.proofURL
	}
	if c.fingerprint != nil {
		l.ProofFingerprint = *c.fingerprint
	}
	if c.holdReason != nil {
		l.HoldReason = *c.holdReason
	}
	if c.confidence != nil {
		l.Confidence = *c.confidence
	}
	l.ProofStatus = ProofStatus(c.proofStatus)
}

func scanSwap(row pgx.Row) (Swap, error) {
	var (
		sw            Swap
		a, b          legColumns
		disputeReason *string
	)
	if err := row.Scan(
		&sw.ID, &sw.ListingA, &sw.ListingB, &sw.UserA, &sw.UserB, &sw.AmountA, &sw.AmountB, &sw.Status,
		&sw.A.FeePaid, &sw.A.CommittedAt, &sw.A.PaidPartner, &a.proofURL, &a.fingerprint, &a.proofStatus, &a.confidence, &a.holdReason, &sw.A.CompletedAt,
		&sw.B.FeePaid, &sw.B.CommittedAt, &sw.B.PaidPartner, &b.proofURL, &b.fingerprint, &b.proofStatus, &b.confidence, &b.holdReason, &sw.B.CompletedAt,
		&sw.ExpiresAt, &sw.GhostedAt, &sw.ReminderSentAt, &disputeReason, &sw.ResponsibleUserIDs, &sw.DisputePenalized,
		&sw.Version, &sw.CreatedAt, &sw.UpdatedAt,
	); err != nil {
		return Swap{}, err
	}
	a.apply(&sw.A)
	b.apply(&sw.B)
	if disputeReason != nil {
		sw.DisputeReason = *disputeReason
	}
	return sw, nil
}

func proofStatusOrNone(s ProofStatus) ProofStatus {
	if s == "" {
		return ProofNone
	}
	return s
}

func nullableConfidence(l Leg) *float64 {
	if !l.Submitted() {
		return nil
	}
	c := l.Confidence
	return &c
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
