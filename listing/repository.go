package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
)

var (
	ErrNotFound       = apperr.Sentinel(apperr.CodeNotFound, "listing: not found")
	ErrDuplicate      = apperr.Sentinel(apperr.CodeDuplicateListing, "listing: duplicate active listing")
	ErrStatusConflict = apperr.Sentinel(apperr.CodeInvalidTransition, "listing: status changed")
)

const dedupeIndex = "listings_active_dedupe"

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	Get(ctx context.Context, id string) (Listing, error)
	List(ctx context.Context, filters Filters) ([]Listing, int, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]Listing, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Listing, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const listingColumns = `id, owner_id, amount, category, due_date, status, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	const query = `
        INSERT INTO listings (id, owner_id, amount, category, due_date, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING ` + listingColumns

	row := tx.QueryRow(ctx, query,
		l.ID,
		l.OwnerID,
		l.Amount,
		l.Category,
		l.DueDate,
		l.Status,
	)
	created, err := scanListing(row)
	if err != nil {
		if db.IsUniqueViolation(err, dedupeIndex) {
			return Listing{}, ErrDuplicate
		}
		return Listing{}, fmt.Errorf("listing: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Listing, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Listing, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT ` + listingColumns + ` FROM listings`
	where := []string{"1=1"}
	args := []any{}

	if filters.OwnerID != "" {
		where = append(where, fmt.Sprintf("owner_id=$%d", len(args)+1))
		args = append(args, filters.OwnerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s, id LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing: iterate list: %w", err)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM listings" + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("listing: count list: %w", err)
	}
	return list, total, nil
}

// FindCandidates returns unmatched listings inside the amount and due-date
// window, closest amount first, then oldest first.
func (r *PGRepository) FindCandidates(ctx context.Context, q CandidateQuery) ([]Listing, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	const query = `
        SELECT ` + listingColumns + `
        FROM listings
        WHERE status = 'unmatched'
          AND owner_id <> $1
          AND amount BETWEEN $2 AND $3
          AND due_date BETWEEN $4::date AND $5::date
          AND NOT EXISTS (SELECT 1 FROM listing_claims c WHERE c.listing_id = listings.id)
        ORDER BY ABS(amount - $6), created_at, id
        LIMIT $7`

	rows, err := r.pool.Query(ctx, query,
		q.ExcludeOwner,
		q.MinAmount,
		q.MaxAmount,
		q.DueFrom,
		q.DueTo,
		q.Amount,
		q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing: find candidates: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan candidate: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate candidates: %w", err)
	}
	return out, nil
}

// Transition moves a listing from one status to another. A listing that is
// no longer in from yields ErrStatusConflict and nothing changes.
func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Listing, error) {
	const query = `
        UPDATE listings
        SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2
        RETURNING ` + listingColumns

	l, err := scanListing(tx.QueryRow(ctx, query, id, from, to))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrStatusConflict
		}
		if db.IsUniqueViolation(err, dedupeIndex) {
			return Listing{}, ErrDuplicate
		}
		return Listing{}, fmt.Errorf("listing: transition %s -> %s: %w", from, to, err)
	}
	return l, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	return l, row.Scan(
		&l.ID,
		&l.OwnerID,
		&l.Amount,
		&l.Category,
		&l.DueDate,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "amount":
		return "amount"
	case "dueDate":
		return "due_date"
	case "updatedAt":
		return "updated_at"
	default:
		return "created_at"
	}
}
