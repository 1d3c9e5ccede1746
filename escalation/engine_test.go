package escalation

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db/dbtest"
	"billswap/listing"
	"billswap/swap"
	"billswap/swap/swaptest"
	"billswap/timeline"
)

var now = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

type memRepo struct {
	mu   sync.Mutex
	rows map[string]Sanction
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]Sanction{}} }

func (m *memRepo) Insert(ctx context.Context, tx pgx.Tx, s Sanction) (Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return s, nil
}

func (m *memRepo) CountSince(ctx context.Context, tx pgx.Tx, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.UserID == userID && s.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) Get(ctx context.Context, id string) (Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return Sanction{}, ErrNotFound
	}
	return s, nil
}

func (m *memRepo) ListByUser(ctx context.Context, userID string) ([]Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Sanction{}
	for _, s := range m.rows {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) UpdateAppeal(ctx context.Context, tx pgx.Tx, id string, from, to AppealStatus, reason string, at time.Time) (Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.AppealStatus != from {
		return Sanction{}, ErrAppealConflict
	}
	s.AppealStatus = to
	if to == AppealPending {
		s.AppealReason = reason
		s.AppealedAt = &at
	} else {
		s.AppealResolvedAt = &at
	}
	m.rows[id] = s
	return s, nil
}

func (m *memRepo) ResolvePendingForSwap(ctx context.Context, tx pgx.Tx, swapID string, to AppealStatus, at time.Time) ([]Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sanction
	for id, s := range m.rows {
		if s.SwapID == swapID && s.AppealStatus == AppealPending {
			s.AppealStatus = to
			s.AppealResolvedAt = &at
			m.rows[id] = s
			out = append(out, s)
		}
	}
	return out, nil
}

type fixture struct {
	engine   *Engine
	swaps    *swap.Service
	repo     *memRepo
	swapRepo *swaptest.Repo
	listings *swaptest.Listings
	ledger   *swaptest.Ledger
	timeline *swaptest.Timeline
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		swapRepo: swaptest.NewRepo(),
		listings: swaptest.NewListings(
			listing.Listing{ID: "la", OwnerID: "xavier", Amount: decimal.RequireFromString("18.00"), Status: listing.StatusMatched},
			listing.Listing{ID: "lb", OwnerID: "yara", Amount: decimal.RequireFromString("22.00"), Status: listing.StatusMatched},
		),
		ledger:   swaptest.NewLedger(),
		timeline: swaptest.NewTimeline(),
		clock:    now,
	}
	pool := &dbtest.Pool{}
	notifier := &swaptest.Notifier{}
	clock := func() time.Time { return f.clock }
	seq := 0
	f.engine = NewEngine(pool, f.repo, f.ledger, f.timeline, notifier).
		WithClock(clock).
		WithIDGenerator(func() string { seq++; return "sanction-" + string(rune('0'+seq)) })
	f.swaps = swap.NewService(pool, f.swapRepo, swap.Deps{
		Listings: f.listings,
		Ledger:   f.ledger,
		Timeline: f.timeline,
		Notifier: notifier,
	}, swap.DefaultConfig()).WithSanctioner(f.engine).WithClock(clock)
	f.engine.WithSwaps(f.swaps)
	return f
}

// ghosted stores a swap where xavier paid and proved and yara went silent
// past the deadline.
func (f *fixture) ghosted() {
	paidAt := now.Add(-30 * time.Hour)
	f.swapRepo.Put(swap.Swap{
		ID: "s-1", ListingA: "la", ListingB: "lb", UserA: "xavier", UserB: "yara",
		AmountA: decimal.RequireFromString("18.00"), AmountB: decimal.RequireFromString("22.00"),
		Status: swap.StatusExecuting,
		A: swap.Leg{FeePaid: true, PaidPartner: true, ProofStatus: swap.ProofVerified, CompletedAt: &paidAt},
		B: swap.Leg{FeePaid: true, ProofStatus: swap.ProofNone},
		ExpiresAt: now.Add(-time.Hour),
	})
}

func TestAssess(t *testing.T) {
	cases := []struct {
		name   string
		reason Reason
		unpaid string
		prior  int
		want   Severity
	}{
		{"no payment", ReasonNoPayment, "22.00", 0, Severity{Penalty: 34}},
		{"fake receipt no bill", ReasonFakeReceipt, "0", 1, Severity{Penalty: 50}},
		{"deactivated doubles", ReasonNoPayment, "10.00", 3, Severity{Penalty: 64, Deactivated: true}},
		{"banned", ReasonOther, "0", 5, Severity{Penalty: 20, Deactivated: true, Banned: true}},
		{"abandoned", ReasonAbandoned, "0", 0, Severity{Penalty: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Assess(tc.reason, decimal.RequireFromString(tc.unpaid), tc.prior)
			if got != tc.want {
				t.Fatalf("Assess = %+v, want %+v", got, tc.want)
			}
		})
	}
	if LockFor(Severity{Banned: true, Deactivated: true}) != BanLock || LockFor(Severity{Deactivated: true}) != DeactivationLock || LockFor(Severity{}) != 0 {
		t.Fatalf("unexpected lock durations")
	}
}

func TestImposeEscalatesWithPriorSanctions(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.repo.rows[string(rune('a'+i))] = Sanction{ID: string(rune('a' + i)), UserID: "yara", CreatedAt: now.Add(-24 * time.Hour)}
	}
	f.repo.rows["old"] = Sanction{ID: "old", UserID: "yara", CreatedAt: now.Add(-100 * 24 * time.Hour)}
	f.ledger.Points["yara"] = 100

	out, err := f.engine.Impose(context.Background(), &dbtest.Tx{}, swap.SanctionRequest{UserID: "yara", Reason: "harassment"})
	if err != nil {
		t.Fatalf("impose: %v", err)
	}
	if !out.Deactivated || out.Banned || out.Penalty != 40 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.ledger.Points["yara"] != 60 {
		t.Fatalf("expected 40 points deducted, got %d", f.ledger.Points["yara"])
	}
	if got, _ := f.repo.Get(context.Background(), out.SanctionID); got.Deducted != 40 {
		t.Fatalf("expected sanction to record 40 deducted, got %d", got.Deducted)
	}
	if !f.ledger.Locks["yara"].Equal(now.Add(DeactivationLock)) {
		t.Fatalf("expected 30 day lock, got %v", f.ledger.Locks["yara"])
	}
}

func TestImposeRejectsUnknownReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Impose(context.Background(), &dbtest.Tx{}, swap.SanctionRequest{UserID: "yara", Reason: "rudeness"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReportGhostSanctionsPartner(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	f.ledger.Points["yara"] = 100

	sw, err := f.engine.ReportGhost(context.Background(), "s-1", "xavier")
	if err != nil {
		t.Fatalf("report ghost: %v", err)
	}
	if sw.Status != swap.StatusDisputed || !reflect.DeepEqual(sw.ResponsibleUserIDs, []string{"yara"}) || !sw.DisputePenalized {
		t.Fatalf("unexpected swap %+v", sw)
	}

	sanctions, _ := f.engine.ListSanctions(context.Background(), "yara")
	if len(sanctions) != 1 || sanctions[0].Reason != ReasonNoPayment || sanctions[0].Penalty != 33 || sanctions[0].SwapID != "s-1" {
		t.Fatalf("unexpected sanctions %+v", sanctions)
	}
	if got := f.ledger.Penalties["yara"]; !reflect.DeepEqual(got, []int{0}) {
		t.Fatalf("expected yara disputed once with points left to the sanction, got %v", got)
	}
	if f.ledger.Disputes["xavier"] != 0 || f.ledger.Points["yara"] != 67 {
		t.Fatalf("reporter untouched and a single 33 point deduction expected, got %d", f.ledger.Points["yara"])
	}

	again, err := f.engine.ReportGhost(context.Background(), "s-1", "xavier")
	if err != nil || again.Version != sw.Version {
		t.Fatalf("expected repeat report to be a no-op, got %v", err)
	}

	types := f.timeline.Types("s-1")
	if !reflect.DeepEqual(types, []timeline.EventType{timeline.TypeDisputeOpened, timeline.TypeSanctionApplied}) {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestReportGhostGuards(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	ctx := context.Background()

	if _, err := f.engine.ReportGhost(ctx, "s-1", "yara"); !errors.Is(err, ErrReporterIdle) {
		t.Fatalf("expected reporter idle, got %v", err)
	}
	if _, err := f.engine.ReportGhost(ctx, "s-1", "zed"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	f.clock = now.Add(-2 * time.Hour)
	if _, err := f.engine.ReportGhost(ctx, "s-1", "xavier"); !errors.Is(err, ErrNotOverdue) {
		t.Fatalf("expected not overdue, got %v", err)
	}
}

func TestResolveDisputeFailedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	ctx := context.Background()
	if _, err := f.engine.ReportGhost(ctx, "s-1", "xavier"); err != nil {
		t.Fatalf("report ghost: %v", err)
	}
	sanctions, _ := f.engine.ListSanctions(ctx, "yara")
	if _, err := f.engine.FileAppeal(ctx, sanctions[0].ID, "yara", "I paid in cash"); err != nil {
		t.Fatalf("appeal: %v", err)
	}

	params := ResolveParams{SwapID: "s-1", Outcome: swap.StatusFailed, AdjudicatorID: "adj"}
	first, err := f.engine.ResolveDispute(ctx, params)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := f.engine.ResolveDispute(ctx, params)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !reflect.DeepEqual(first, second) || first.Status != swap.StatusFailed {
		t.Fatalf("expected identical failed swap, got %+v vs %+v", first, second)
	}
	if f.ledger.Disputes["yara"] != 1 {
		t.Fatalf("expected a single dispute on yara, got %d", f.ledger.Disputes["yara"])
	}
	if n, _ := f.repo.CountSince(ctx, nil, "yara", now.Add(-time.Hour)); n != 1 {
		t.Fatalf("expected one sanction record, got %d", n)
	}
	got, _ := f.engine.GetSanction(ctx, sanctions[0].ID)
	if got.AppealStatus != AppealUpheld {
		t.Fatalf("expected appeal upheld, got %s", got.AppealStatus)
	}
	// Xavier paid yara's bill; yara never paid xavier's.
	if f.listings.Status("lb") != listing.StatusPaid || f.listings.Status("la") != listing.StatusUnmatched {
		t.Fatalf("unexpected listings la=%s lb=%s", f.listings.Status("la"), f.listings.Status("lb"))
	}
}

func TestResolveDisputeCompletedOverturnsAppeal(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	f.ledger.Points["yara"] = 20
	ctx := context.Background()
	if _, err := f.engine.ReportGhost(ctx, "s-1", "xavier"); err != nil {
		t.Fatalf("report ghost: %v", err)
	}
	sanctions, _ := f.engine.ListSanctions(ctx, "yara")
	if _, err := f.engine.FileAppeal(ctx, sanctions[0].ID, "yara", "bank delay"); err != nil {
		t.Fatalf("appeal: %v", err)
	}

	sw, err := f.engine.ResolveDispute(ctx, ResolveParams{SwapID: "s-1", Outcome: swap.StatusCompleted, AdjudicatorID: "adj"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sw.Status != swap.StatusCompleted || len(sw.ResponsibleUserIDs) != 0 {
		t.Fatalf("unexpected swap %+v", sw)
	}
	if f.ledger.Successes["xavier"] != 1 || f.ledger.Successes["yara"] != 1 {
		t.Fatalf("expected success for both")
	}
	// The 33 point sanction could only take 20.
	if f.ledger.Points["yara"] != 20 {
		t.Fatalf("expected the 20 points taken credited back, got %d", f.ledger.Points["yara"])
	}
	if f.listings.Status("la") != listing.StatusPaid || f.listings.Status("lb") != listing.StatusPaid {
		t.Fatalf("expected both listings paid")
	}
}

func TestResolveDisputeRequiresDisputed(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	_, err := f.engine.ResolveDispute(context.Background(), ResolveParams{SwapID: "s-1", Outcome: swap.StatusFailed, AdjudicatorID: "adj"})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = f.engine.ResolveDispute(context.Background(), ResolveParams{SwapID: "s-1", Outcome: swap.StatusExpired, AdjudicatorID: "adj"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAppealLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.engine.Sanction(ctx, "adj", "yara", ReasonHarassment, "")
	if err != nil {
		t.Fatalf("sanction: %v", err)
	}

	if _, err := f.engine.FileAppeal(ctx, out.SanctionID, "xavier", "not mine"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.engine.FileAppeal(ctx, out.SanctionID, "yara", "misunderstanding"); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := f.engine.FileAppeal(ctx, out.SanctionID, "yara", "again"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected second appeal rejected, got %v", err)
	}

	decided, err := f.engine.DecideAppeal(ctx, out.SanctionID, "adj", true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.AppealStatus != AppealOverturned || f.ledger.Points["yara"] != 0 {
		t.Fatalf("expected overturn with points restored, got %+v points=%d", decided, f.ledger.Points["yara"])
	}
	if _, err := f.engine.DecideAppeal(ctx, out.SanctionID, "adj", false); !errors.Is(err, ErrAppealConflict) {
		t.Fatalf("expected appeal conflict, got %v", err)
	}
}

func TestOverturnCreditsOnlyPointsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Points["yara"] = 10

	out, err := f.engine.Sanction(ctx, "adj", "yara", ReasonHarassment, "")
	if err != nil {
		t.Fatalf("sanction: %v", err)
	}
	if out.Penalty != 20 || f.ledger.Points["yara"] != 0 {
		t.Fatalf("expected a 20 point penalty floored at zero, got %+v points=%d", out, f.ledger.Points["yara"])
	}
	if _, err := f.engine.FileAppeal(ctx, out.SanctionID, "yara", "wrong person"); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	decided, err := f.engine.DecideAppeal(ctx, out.SanctionID, "adj", true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Deducted != 10 || f.ledger.Points["yara"] != 10 {
		t.Fatalf("expected 10 points restored, got deducted=%d points=%d", decided.Deducted, f.ledger.Points["yara"])
	}
}

func TestSwapBoundSanctionLocksSwap(t *testing.T) {
	f := newFixture(t)
	f.ghosted()
	ctx := context.Background()

	out, err := f.engine.Sanction(ctx, "adj", "yara", ReasonHarassment, "s-1")
	if err != nil {
		t.Fatalf("sanction: %v", err)
	}
	if _, err := f.engine.FileAppeal(ctx, out.SanctionID, "yara", "context missing"); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if !reflect.DeepEqual(f.swapRepo.Locked, []string{"s-1", "s-1"}) {
		t.Fatalf("expected sanction and appeal to lock the swap, got %v", f.swapRepo.Locked)
	}
	types := f.timeline.Types("s-1")
	if !reflect.DeepEqual(types, []timeline.EventType{timeline.TypeSanctionApplied, timeline.TypeSanctionAppealed}) {
		t.Fatalf("unexpected events %v", types)
	}

	if _, err := f.engine.Sanction(ctx, "adj", "yara", ReasonHarassment, "s-404"); !errors.Is(err, swap.ErrNotFound) {
		t.Fatalf("expected unknown swap rejected, got %v", err)
	}
}
