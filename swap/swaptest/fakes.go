// Package swaptest holds in-memory collaborators for exercising swap.Service
// without a database.
package swaptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/listing"
	"billswap/notify"
	"billswap/swap"
	"billswap/timeline"
	"billswap/trust"
	"billswap/verify"
)

// Repo is an in-memory swap.Repository with compare-and-swap updates.
type Repo struct {
	mu      sync.Mutex
	Swaps   map[string]swap.Swap
	Claims  map[string]string
	Keys    map[string]bool
	Updates int
	// Locked lists the ids read through LockTx, in order.
	Locked []string
	// OnLock, when set, runs on the stored swap before LockTx returns it,
	// standing in for a writer that committed while the lock was awaited.
	OnLock func(sw *swap.Swap)
}

func NewRepo() *Repo {
	return &Repo{Swaps: map[string]swap.Swap{}, Claims: map[string]string{}, Keys: map[string]bool{}}
}

// Put stores sw as is, claiming its listings when it is not terminal.
func (r *Repo) Put(sw swap.Swap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sw.Version == 0 {
		sw.Version = 1
	}
	r.Swaps[sw.ID] = sw
	if !sw.Status.Terminal() {
		r.Claims[sw.ListingA] = sw.ID
		r.Claims[sw.ListingB] = sw.ID
	}
}

func (r *Repo) Create(ctx context.Context, tx pgx.Tx, sw swap.Swap) (swap.Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Claims[sw.ListingA]; ok {
		return swap.Swap{}, swap.ErrListingClaimed
	}
	if _, ok := r.Claims[sw.ListingB]; ok {
		return swap.Swap{}, swap.ErrListingClaimed
	}
	sw.Version = 1
	sw.A.ProofStatus = swap.ProofNone
	sw.B.ProofStatus = swap.ProofNone
	r.Swaps[sw.ID] = sw
	r.Claims[sw.ListingA] = sw.ID
	r.Claims[sw.ListingB] = sw.ID
	return sw, nil
}

func (r *Repo) Get(ctx context.Context, id string) (swap.Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sw, ok := r.Swaps[id]
	if !ok {
		return swap.Swap{}, swap.ErrNotFound
	}
	return sw, nil
}

func (r *Repo) GetTx(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error) {
	return r.Get(ctx, id)
}

func (r *Repo) LockTx(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sw, ok := r.Swaps[id]
	if !ok {
		return swap.Swap{}, swap.ErrNotFound
	}
	r.Locked = append(r.Locked, id)
	if r.OnLock != nil {
		r.OnLock(&sw)
		r.Swaps[id] = sw
	}
	return sw, nil
}

func (r *Repo) Update(ctx context.Context, tx pgx.Tx, sw swap.Swap, expectStatus swap.Status, expectVersion int) (swap.Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.Swaps[sw.ID]
	if !ok || cur.Status != expectStatus || cur.Version != expectVersion {
		return swap.Swap{}, swap.ErrStale
	}
	sw.Version = expectVersion + 1
	r.Swaps[sw.ID] = sw
	r.Updates++
	return sw, nil
}

func (r *Repo) ReleaseClaims(ctx context.Context, tx pgx.Tx, swapID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l, id := range r.Claims {
		if id == swapID {
			delete(r.Claims, l)
		}
	}
	return nil
}

func (r *Repo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Keys[key] {
		return swap.ErrDuplicateIdempotencyKey
	}
	r.Keys[key] = true
	return nil
}

func (r *Repo) FingerprintSeen(ctx context.Context, fingerprint, excludeSwapID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sw := range r.Swaps {
		if id == excludeSwapID {
			continue
		}
		if sw.A.ProofFingerprint == fingerprint || sw.B.ProofFingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repo) ListSweepable(ctx context.Context, now, remindBefore time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, sw := range r.Swaps {
		if !sw.Status.Active() || sw.ExpiresAt.After(remindBefore) {
			continue
		}
		expired := !sw.ExpiresAt.After(now)
		if !expired && sw.ReminderSentAt != nil {
			continue
		}
		if expired && sw.GhostedAt != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]swap.Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []swap.Swap{}
	for _, sw := range r.Swaps {
		if sw.UserA == userID || sw.UserB == userID {
			out = append(out, sw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Listings keeps listing statuses in memory.
type Listings struct {
	mu   sync.Mutex
	Rows map[string]listing.Listing
}

func NewListings(rows ...listing.Listing) *Listings {
	l := &Listings{Rows: map[string]listing.Listing{}}
	for _, row := range rows {
		l.Rows[row.ID] = row
	}
	return l
}

func (l *Listings) Get(ctx context.Context, id string) (listing.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.Rows[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return row, nil
}

func (l *Listings) Transition(ctx context.Context, tx pgx.Tx, id string, from, to listing.Status) (listing.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.Rows[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	if row.Status != from {
		return listing.Listing{}, listing.ErrStatusConflict
	}
	row.Status = to
	l.Rows[id] = row
	return row, nil
}

func (l *Listings) Status(id string) listing.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Rows[id].Status
}

// Ledger records trust effects per user.
type Ledger struct {
	mu          sync.Mutex
	Ineligible  map[string]bool
	Successes   map[string]int
	Disputes    map[string]int
	Penalties   map[string][]int
	Points      map[string]int
	Locks       map[string]time.Time
	Invalidated []string
}

func NewLedger() *Ledger {
	return &Ledger{
		Ineligible: map[string]bool{},
		Successes:  map[string]int{},
		Disputes:   map[string]int{},
		Penalties:  map[string][]int{},
		Points:     map[string]int{},
		Locks:      map[string]time.Time{},
	}
}

func (l *Ledger) IsEligible(ctx context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.Ineligible[userID], nil
}

func (l *Ledger) ApplySuccess(ctx context.Context, tx pgx.Tx, userIDs ...string) ([]trust.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trust.Record, 0, len(userIDs))
	for _, u := range userIDs {
		l.Successes[u]++
		out = append(out, trust.Record{UserID: u, SuccessfulSwaps: l.Successes[u]})
	}
	return out, nil
}

func (l *Ledger) ApplyDispute(ctx context.Context, tx pgx.Tx, userID string, penalty int) (trust.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Disputes[userID]++
	l.Penalties[userID] = append(l.Penalties[userID], penalty)
	return trust.Record{UserID: userID, DisputedSwaps: l.Disputes[userID]}, nil
}

// Penalize deducts points, flooring at zero, and reports how many it took.
// Negative points credit the user.
func (l *Ledger) Penalize(ctx context.Context, tx pgx.Tx, userID string, points int) (trust.Record, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := l.Points[userID]
	l.Points[userID] = max(before-points, 0)
	return trust.Record{UserID: userID, TrustPoints: l.Points[userID]}, before - l.Points[userID], nil
}

func (l *Ledger) LockUntil(ctx context.Context, tx pgx.Tx, userID string, until time.Time) (trust.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.Locks[userID]; !ok || until.After(cur) {
		l.Locks[userID] = until
	}
	locked := l.Locks[userID]
	return trust.Record{UserID: userID, EligibilityLockedUntil: &locked}, nil
}

func (l *Ledger) Invalidate(ctx context.Context, userIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Invalidated = append(l.Invalidated, userIDs...)
}

// Timeline appends events to an in-memory log per swap.
type Timeline struct {
	mu     sync.Mutex
	Events map[string][]timeline.Event
}

func NewTimeline() *Timeline {
	return &Timeline{Events: map[string][]timeline.Event{}}
}

func (t *Timeline) Append(ctx context.Context, tx pgx.Tx, swapID, actorID string, payload timeline.Payload) (timeline.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := timeline.Event{
		ID:      int64(len(t.Events[swapID]) + 1),
		SwapID:  swapID,
		Seq:     len(t.Events[swapID]) + 1,
		Type:    payload.EventType(),
		Payload: payload,
	}
	if actorID != "" {
		a := actorID
		ev.ActorID = &a
	}
	t.Events[swapID] = append(t.Events[swapID], ev)
	return ev, nil
}

func (t *Timeline) List(ctx context.Context, swapID string) ([]timeline.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]timeline.Event(nil), t.Events[swapID]...), nil
}

// Types returns the event types recorded for a swap, in order.
func (t *Timeline) Types(swapID string) []timeline.EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []timeline.EventType
	for _, ev := range t.Events[swapID] {
		out = append(out, ev.Type)
	}
	return out
}

type Notice struct {
	UserID string
	Event  notify.EventType
	SwapID string
}

type Notifier struct {
	mu   sync.Mutex
	Sent []Notice
}

func (n *Notifier) NotifyUser(ctx context.Context, tx pgx.Tx, userID string, event notify.EventType, swapID string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, Notice{UserID: userID, Event: event, SwapID: swapID})
	return nil
}

// Count returns how many notices of event went to userID.
func (n *Notifier) Count(userID string, event notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.Sent {
		if s.UserID == userID && s.Event == event {
			c++
		}
	}
	return c
}

// Verifier returns Result for every request, or Err when set.
type Verifier struct {
	mu       sync.Mutex
	Result   verify.Result
	Err      error
	Requests []verify.Request
}

func (v *Verifier) VerifyScreenshot(ctx context.Context, req verify.Request) (verify.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Requests = append(v.Requests, req)
	if v.Err != nil {
		return verify.Result{}, v.Err
	}
	return v.Result, nil
}

type Uploader struct {
	URL string
	Err error
}

func (u Uploader) UploadProof(ctx context.Context, data []byte) (string, error) {
	if u.Err != nil {
		return "", u.Err
	}
	if u.URL == "" {
		return "https://proofs.test/" + verify.Fingerprint(data)[:12], nil
	}
	return u.URL, nil
}

// Sanctioner records requests and charges a fixed penalty.
type Sanctioner struct {
	mu       sync.Mutex
	Penalty  int
	Requests []swap.SanctionRequest
}

func (s *Sanctioner) Impose(ctx context.Context, tx pgx.Tx, req swap.SanctionRequest) (swap.SanctionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	return swap.SanctionOutcome{SanctionID: "sanction-" + req.UserID, Penalty: s.Penalty}, nil
}
