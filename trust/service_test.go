package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db/dbtest"
)

func TestGetTierReadsThroughCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locked := now.Add(time.Hour)
	repo := newFakeRepo()
	repo.rows["u1"] = Record{UserID: "u1", Tier: TierTrusted, SuccessfulSwaps: 15, TrustPoints: 150, EligibilityLockedUntil: &locked}
	cache := newFakeCache()
	svc := NewService(&dbtest.Pool{}, repo).WithCache(cache).WithClock(func() time.Time { return now })

	st, err := svc.GetTier(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get tier: %v", err)
	}
	if st.Tier != TierTrusted || !st.Limit.Equal(decimal.NewFromInt(100)) || !st.IsLocked || st.Score != 100 {
		t.Fatalf("unexpected standing %+v", st)
	}
	if repo.gets != 1 {
		t.Fatalf("expected one repository read, got %d", repo.gets)
	}

	if _, err := svc.GetTier(context.Background(), "u1"); err != nil {
		t.Fatalf("cached get tier: %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("expected cache hit on second read, got %d repository reads", repo.gets)
	}
}

func TestGetTierUnknownUserIsNew(t *testing.T) {
	svc := NewService(&dbtest.Pool{}, newFakeRepo())

	st, err := svc.GetTier(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("get tier: %v", err)
	}
	if st.Tier != TierNew || !st.Limit.Equal(decimal.NewFromInt(25)) || st.IsLocked {
		t.Fatalf("unexpected standing %+v", st)
	}
}

func TestGetTierCacheFailureFallsBackToRepository(t *testing.T) {
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	svc := NewService(&dbtest.Pool{}, newFakeRepo()).WithCache(cache)

	if _, err := svc.GetTier(context.Background(), "u1"); err != nil {
		t.Fatalf("expected cache errors to be tolerated, got %v", err)
	}
}

func TestRecordDisputeLocksAndInvalidates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pool := &dbtest.Pool{}
	repo := newFakeRepo()
	repo.rows["u1"] = Record{UserID: "u1", Tier: TierEstablished, TotalSwaps: 6, SuccessfulSwaps: 6, TrustPoints: 60}
	cache := newFakeCache()
	svc := NewService(pool, repo).WithCache(cache).WithClock(func() time.Time { return now })

	rec, err := svc.RecordDispute(context.Background(), "u1")
	if err != nil {
		t.Fatalf("record dispute: %v", err)
	}
	if rec.Tier != TierNew || rec.TrustPoints != 35 || rec.DisputedSwaps != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected commit")
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != "u1" {
		t.Fatalf("expected cache invalidation for u1, got %v", cache.deleted)
	}

	eligible, err := svc.IsEligible(context.Background(), "u1")
	if err != nil {
		t.Fatalf("is eligible: %v", err)
	}
	if eligible {
		t.Fatalf("expected user to be locked after dispute")
	}
}

func TestApplySuccessLocksInAscendingOrder(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(&dbtest.Pool{}, repo)

	recs, err := svc.ApplySuccess(context.Background(), &dbtest.Tx{}, "zed", "amy", "zed")
	if err != nil {
		t.Fatalf("apply success: %v", err)
	}
	if len(recs) != 2 || recs[0].UserID != "amy" || recs[1].UserID != "zed" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if len(repo.lockOrder) != 2 || repo.lockOrder[0] != "amy" || repo.lockOrder[1] != "zed" {
		t.Fatalf("expected ascending lock order, got %v", repo.lockOrder)
	}
}

func TestRecordSuccessRejectsMissingUser(t *testing.T) {
	svc := NewService(&dbtest.Pool{}, newFakeRepo())
	if _, err := svc.RecordSuccess(context.Background(), " "); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLockUntilNeverShortens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	far := now.Add(30 * 24 * time.Hour)
	repo := newFakeRepo()
	repo.rows["u1"] = Record{UserID: "u1", Tier: TierNew, EligibilityLockedUntil: &far}
	svc := NewService(&dbtest.Pool{}, repo)

	rec, err := svc.LockUntil(context.Background(), &dbtest.Tx{}, "u1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("lock until: %v", err)
	}
	if !rec.EligibilityLockedUntil.Equal(far) {
		t.Fatalf("expected lock to stay at %v, got %v", far, rec.EligibilityLockedUntil)
	}
}

func TestPenalizeReportsPointsTaken(t *testing.T) {
	repo := newFakeRepo()
	repo.rows["u1"] = Record{UserID: "u1", Tier: TierNew, TrustPoints: 12}
	svc := NewService(&dbtest.Pool{}, repo)
	ctx := context.Background()

	rec, taken, err := svc.Penalize(ctx, &dbtest.Tx{}, "u1", 30)
	if err != nil {
		t.Fatalf("penalize: %v", err)
	}
	if rec.TrustPoints != 0 || taken != 12 {
		t.Fatalf("expected 12 taken down to zero, got taken=%d points=%d", taken, rec.TrustPoints)
	}
	rec, taken, err = svc.Penalize(ctx, &dbtest.Tx{}, "u1", -taken)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if rec.TrustPoints != 12 || taken != -12 {
		t.Fatalf("expected credit back to 12, got taken=%d points=%d", taken, rec.TrustPoints)
	}
}

func TestApplyDisputeZeroPenaltyKeepsPoints(t *testing.T) {
	repo := newFakeRepo()
	repo.rows["u1"] = Record{UserID: "u1", Tier: TierNew, TrustPoints: 40}
	svc := NewService(&dbtest.Pool{}, repo)

	rec, err := svc.ApplyDispute(context.Background(), &dbtest.Tx{}, "u1", 0)
	if err != nil {
		t.Fatalf("apply dispute: %v", err)
	}
	if rec.TrustPoints != 40 || rec.DisputedSwaps != 1 || rec.EligibilityLockedUntil == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

type fakeRepo struct {
	rows      map[string]Record
	gets      int
	lockOrder []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]Record{}}
}

func (f *fakeRepo) Get(ctx context.Context, userID string) (Record, error) {
	f.gets++
	if rec, ok := f.rows[userID]; ok {
		return rec, nil
	}
	return NewRecord(userID), nil
}

func (f *fakeRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, userID string) (Record, error) {
	f.lockOrder = append(f.lockOrder, userID)
	if rec, ok := f.rows[userID]; ok {
		return rec, nil
	}
	rec := NewRecord(userID)
	f.rows[userID] = rec
	return rec, nil
}

func (f *fakeRepo) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	f.rows[rec.UserID] = rec
	return rec, nil
}

type fakeCache struct {
	items   map[string]Record
	deleted []string
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string]Record{}}
}

func (f *fakeCache) Get(ctx context.Context, userID string) (Record, bool, error) {
	if f.err != nil {
		return Record{}, false, f.err
	}
	rec, ok := f.items[userID]
	return rec, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, rec Record) error {
	if f.err != nil {
		return f.err
	}
	f.items[rec.UserID] = rec
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, userIDs ...string) error {
	f.deleted = append(f.deleted, userIDs...)
	for _, id := range userIDs {
		delete(f.items, id)
	}
	return nil
}
