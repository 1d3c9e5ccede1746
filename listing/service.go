package listing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db"
	"billswap/logging"
	"billswap/trust"
)

var (
	ErrTierLimit   = apperr.Sentinel(apperr.CodeTierLimitExceeded, "listing: amount exceeds tier limit")
	ErrNotEligible = apperr.Sentinel(apperr.CodeNotEligible, "listing: owner is locked out")
)

// TrustReader is the part of the trust ledger listings consult.
type TrustReader interface {
	GetTier(ctx context.Context, userID string) (trust.Standing, error)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	trust       TrustReader
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

type CreateParams struct {
	OwnerID  string
	Amount   decimal.Decimal
	Category string
	DueDate  time.Time
}

type ListResult struct {
	Items []Listing
	Total int
}

func NewService(pool db.TxBeginner, repo Repository, trust TrustReader) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		trust:       trust,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      logging.Discard(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// CreateListing validates the bill against the owner's tier and stores it
// as unmatched.
func (s *Service) CreateListing(ctx context.Context, params CreateParams) (Listing, error) {
	params.OwnerID = strings.TrimSpace(params.OwnerID)
	params.Category = strings.ToLower(strings.TrimSpace(params.Category))
	if err := validateCreate(params); err != nil {
		return Listing{}, err
	}

	standing, err := s.trust.GetTier(ctx, params.OwnerID)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: load tier: %w", err)
	}
	if standing.IsLocked {
		return Listing{}, ErrNotEligible
	}
	if params.Amount.GreaterThan(standing.Limit) {
		return Listing{}, apperr.Wrap(ErrTierLimit, apperr.CodeTierLimitExceeded,
			fmt.Sprintf("listing: %s exceeds the %s limit of %s", params.Amount.StringFixed(2), standing.TierName, standing.Limit.StringFixed(2)))
	}

	l := Listing{
		ID:       s.idGenerator(),
		OwnerID:  params.OwnerID,
		Amount:   params.Amount.Round(2),
		Category: params.Category,
		DueDate:  dateOnly(params.DueDate),
		Status:   StatusUnmatched,
	}

	var created Listing
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = s.repo.Create(ctx, tx, l)
		return err
	})
	if err != nil {
		return Listing{}, err
	}

	s.logger.Info("listing created", "listing_id", created.ID, "owner_id", created.OwnerID, "amount", created.Amount.StringFixed(2))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	if strings.TrimSpace(id) == "" {
		return Listing{}, apperr.New(apperr.CodeInvalidInput, "listing: missing id")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ListByOwner returns the newest page of the owner's listings.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Listing, error) {
	res, err := s.List(ctx, Filters{OwnerID: ownerID, PageSize: 100})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

func (s *Service) FindCandidates(ctx context.Context, q CandidateQuery) ([]Listing, error) {
	return s.repo.FindCandidates(ctx, q)
}

func (s *Service) MarkMatched(ctx context.Context, id string) (Listing, error) {
	return s.transition(ctx, id, StatusUnmatched, StatusMatched)
}

func (s *Service) MarkUnmatched(ctx context.Context, id string) (Listing, error) {
	return s.transition(ctx, id, StatusMatched, StatusUnmatched)
}

func (s *Service) MarkPaid(ctx context.Context, id string) (Listing, error) {
	return s.transition(ctx, id, StatusMatched, StatusPaid)
}

func (s *Service) transition(ctx context.Context, id string, from, to Status) (Listing, error) {
	var updated Listing
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = s.repo.Transition(ctx, tx, id, from, to)
		return err
	})
	if err != nil {
		return Listing{}, err
	}
	return updated, nil
}

func validateCreate(p CreateParams) error {
	switch {
	case p.OwnerID == "":
		return apperr.New(apperr.CodeInvalidInput, "listing: missing owner id")
	case p.Category == "":
		return apperr.New(apperr.CodeInvalidInput, "listing: category required")
	case !p.Amount.IsPositive():
		return apperr.New(apperr.CodeInvalidInput, "listing: amount must be positive")
	case !p.Amount.Equal(p.Amount.Round(2)):
		return apperr.New(apperr.CodeInvalidInput, "listing: amount has more than two decimal places")
	case p.DueDate.IsZero():
		return apperr.New(apperr.CodeInvalidInput, "listing: due date required")
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
