package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db/dbtest"
	"billswap/trust"
)

func TestCreateListingWithinTierLimit(t *testing.T) {
	pool := &dbtest.Pool{}
	repo := newFakeRepo()
	svc := NewService(pool, repo, fakeTrust{"u1": standing(trust.TierNew, false)}).
		WithIDGenerator(func() string { return "l-1" })

	due := time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC)
	l, err := svc.CreateListing(context.Background(), CreateParams{
		OwnerID:  "u1",
		Amount:   decimal.RequireFromString("20.00"),
		Category: " Electric ",
		DueDate:  due,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.ID != "l-1" || l.Status != StatusUnmatched || l.Category != "electric" {
		t.Fatalf("unexpected listing %+v", l)
	}
	if !l.DueDate.Equal(time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected due date truncated to day, got %v", l.DueDate)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected commit")
	}
}

func TestCreateListingOverTierLimit(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(&dbtest.Pool{}, repo, fakeTrust{"u1": standing(trust.TierNew, false)})

	_, err := svc.CreateListing(context.Background(), CreateParams{
		OwnerID:  "u1",
		Amount:   decimal.RequireFromString("30.00"),
		Category: "electric",
		DueDate:  time.Now(),
	})
	if !errors.Is(err, apperr.ErrTierLimitExceeded) || !errors.Is(err, ErrTierLimit) {
		t.Fatalf("expected tier limit error, got %v", err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("expected no listing to be stored")
	}
}

func TestCreateListingLockedOwner(t *testing.T) {
	svc := NewService(&dbtest.Pool{}, newFakeRepo(), fakeTrust{"u1": standing(trust.TierVeteran, true)})

	_, err := svc.CreateListing(context.Background(), CreateParams{
		OwnerID:  "u1",
		Amount:   decimal.RequireFromString("10.00"),
		Category: "water",
		DueDate:  time.Now(),
	})
	if !errors.Is(err, apperr.ErrNotEligible) {
		t.Fatalf("expected not eligible, got %v", err)
	}
}

func TestCreateListingValidation(t *testing.T) {
	svc := NewService(&dbtest.Pool{}, newFakeRepo(), fakeTrust{})
	cases := map[string]CreateParams{
		"missing owner": {Amount: decimal.NewFromInt(5), Category: "gas", DueDate: time.Now()},
		"zero amount":   {OwnerID: "u1", Amount: decimal.Zero, Category: "gas", DueDate: time.Now()},
		"sub-cent":      {OwnerID: "u1", Amount: decimal.RequireFromString("5.001"), Category: "gas", DueDate: time.Now()},
		"no category":   {OwnerID: "u1", Amount: decimal.NewFromInt(5), DueDate: time.Now()},
		"no due date":   {OwnerID: "u1", Amount: decimal.NewFromInt(5), Category: "gas"},
	}
	for name, params := range cases {
		if _, err := svc.CreateListing(context.Background(), params); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestCreateListingDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = ErrDuplicate
	svc := NewService(&dbtest.Pool{}, repo, fakeTrust{"u1": standing(trust.TierNew, false)})

	_, err := svc.CreateListing(context.Background(), CreateParams{
		OwnerID: "u1", Amount: decimal.NewFromInt(10), Category: "gas", DueDate: time.Now(),
	})
	if !errors.Is(err, apperr.ErrDuplicateListing) {
		t.Fatalf("expected duplicate listing, got %v", err)
	}
}

func TestMarkTransitionsRequirePriorStatus(t *testing.T) {
	repo := newFakeRepo()
	repo.rows["l-1"] = Listing{ID: "l-1", Status: StatusUnmatched}
	svc := NewService(&dbtest.Pool{}, repo, fakeTrust{})

	if _, err := svc.MarkPaid(context.Background(), "l-1"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected paid from unmatched to fail, got %v", err)
	}
	if _, err := svc.MarkMatched(context.Background(), "l-1"); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	if _, err := svc.MarkMatched(context.Background(), "l-1"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected second match to conflict, got %v", err)
	}
	l, err := svc.MarkPaid(context.Background(), "l-1")
	if err != nil || l.Status != StatusPaid {
		t.Fatalf("mark paid: %+v %v", l, err)
	}
}

type fakeTrust map[string]trust.Standing

func (f fakeTrust) GetTier(ctx context.Context, userID string) (trust.Standing, error) {
	if st, ok := f[userID]; ok {
		return st, nil
	}
	return standing(trust.TierNew, false), nil
}

func standing(tier trust.Tier, locked bool) trust.Standing {
	return trust.Standing{Tier: tier, TierName: tier.String(), Limit: trust.LimitFor(tier), IsLocked: locked}
}

type fakeRepo struct {
	rows      map[string]Listing
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]Listing{}}
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	if f.createErr != nil {
		return Listing{}, f.createErr
	}
	f.rows[l.ID] = l
	return l, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Listing, error) {
	l, ok := f.rows[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (f *fakeRepo) List(ctx context.Context, filters Filters) ([]Listing, int, error) {
	var out []Listing
	for _, l := range f.rows {
		if filters.OwnerID == "" || l.OwnerID == filters.OwnerID {
			out = append(out, l)
		}
	}
	return out, len(out), nil
}

func (f *fakeRepo) FindCandidates(ctx context.Context, q CandidateQuery) ([]Listing, error) {
	return nil, nil
}

func (f *fakeRepo) Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Listing, error) {
	l, ok := f.rows[id]
	if !ok || l.Status != from {
		return Listing{}, ErrStatusConflict
	}
	l.Status = to
	f.rows[id] = l
	return l, nil
}
