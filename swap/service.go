package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db"
	"billswap/listing"
	"billswap/logging"
	"billswap/metrics"
	"billswap/notify"
	"billswap/timeline"
	"billswap/trust"
	"billswap/verify"
)

var (
	ErrNotParticipant = apperr.Sentinel(apperr.CodeForbidden, "swap: user is not a participant")
	ErrTerminal       = apperr.Sentinel(apperr.CodeInvalidTransition, "swap: swap is closed")
	ErrNotEligible    = apperr.Sentinel(apperr.CodeNotEligible, "swap: user is locked out")

	// ErrUnchanged is returned by a MutateFunc to leave the swap as it is;
	// Mutate then returns the current swap without error.
	ErrUnchanged = errors.New("swap: unchanged")
)

// ListingStore is the part of the listing store swaps drive.
type ListingStore interface {
	Get(ctx context.Context, id string) (listing.Listing, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, from, to listing.Status) (listing.Listing, error)
}

// Ledger is the part of the trust ledger swaps drive.
type Ledger interface {
	IsEligible(ctx context.Context, userID string) (bool, error)
	ApplySuccess(ctx context.Context, tx pgx.Tx, userIDs ...string) ([]trust.Record, error)
	ApplyDispute(ctx context.Context, tx pgx.Tx, userID string, penalty int) (trust.Record, error)
	Invalidate(ctx context.Context, userIDs ...string)
}

type Timeline interface {
	Append(ctx context.Context, tx pgx.Tx, swapID, actorID string, payload timeline.Payload) (timeline.Event, error)
	List(ctx context.Context, swapID string) ([]timeline.Event, error)
}

type Notifier interface {
	NotifyUser(ctx context.Context, tx pgx.Tx, userID string, event notify.EventType, swapID string, data map[string]any) error
}

// SanctionRequest asks the escalation engine to record a sanction inside the
// transition's transaction. The sanction deducts its own points; a dispute on
// the same user then only moves tier and eligibility.
type SanctionRequest struct {
	UserID       string
	Reason       string
	SwapID       string
	UnpaidAmount decimal.Decimal
}

type SanctionOutcome struct {
	SanctionID  string `json:"sanction_id"`
	Penalty     int    `json:"penalty"`
	Deactivated bool   `json:"deactivated"`
	Banned      bool   `json:"banned"`
}

type Sanctioner interface {
	Impose(ctx context.Context, tx pgx.Tx, req SanctionRequest) (SanctionOutcome, error)
}

// TermsReader exposes accepted deal terms that override the default
// execution window.
type TermsReader interface {
	AcceptedExecutionWindow(ctx context.Context, swapID string) (time.Duration, bool, error)
}

type Deps struct {
	Listings ListingStore
	Ledger   Ledger
	Timeline Timeline
	Notifier Notifier
	Verifier verify.Verifier
	Uploader verify.Uploader
}

type Config struct {
	CommitWindow    time.Duration
	ExecutionWindow time.Duration
	ReminderLead    time.Duration
	MinConfidence   float64
}

func DefaultConfig() Config {
	return Config{
		CommitWindow:    24 * time.Hour,
		ExecutionWindow: 24 * time.Hour,
		ReminderLead:    2 * time.Hour,
		MinConfidence:   0.80,
	}
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	deps        Deps
	sanctioner  Sanctioner
	terms       TermsReader
	cfg         Config
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool db.TxBeginner, repo Repository, deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.CommitWindow <= 0 {
		cfg.CommitWindow = def.CommitWindow
	}
	if cfg.ExecutionWindow <= 0 {
		cfg.ExecutionWindow = def.ExecutionWindow
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = def.ReminderLead
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		deps:        deps,
		cfg:         cfg,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      logging.Discard(),
	}
}

func (s *Service) WithSanctioner(sanctioner Sanctioner) *Service {
	s.sanctioner = sanctioner
	return s
}

func (s *Service) WithTerms(terms TermsReader) *Service {
	s.terms = terms
	return s
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

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Now() time.Time { return s.now() }

func (s *Service) Get(ctx context.Context, id string) (Swap, error) {
	return s.repo.Get(ctx, id)
}

// Lock reads the swap inside tx and holds its row until tx ends, so timeline
// appends made outside Mutate serialize with status changes.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	return s.repo.LockTx(ctx, tx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Swap, error) {
	return s.repo.ListByUser(ctx, userID, 50)
}

// Events returns the swap's timeline in order.
func (s *Service) Events(ctx context.Context, id string) ([]timeline.Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.Timeline.List(ctx, id)
}

// Open inserts a new swap for two listings the caller has already moved to
// matched inside tx, claims both listings and records the match.
func (s *Service) Open(ctx context.Context, tx pgx.Tx, p OpenParams) (Swap, error) {
	if p.UserA == p.UserB {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: both sides belong to %s", p.UserA)
	}
	if p.ListingA == p.ListingB {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: listing %s paired with itself", p.ListingA)
	}

	sw := Swap{
		ID:        s.idGenerator(),
		ListingA:  p.ListingA,
		ListingB:  p.ListingB,
		UserA:     p.UserA,
		UserB:     p.UserB,
		AmountA:   p.AmountA,
		AmountB:   p.AmountB,
		Status:    StatusRequested,
		ExpiresAt: s.now().Add(s.cfg.CommitWindow),
	}
	created, err := s.repo.Create(ctx, tx, sw)
	if err != nil {
		return Swap{}, err
	}

	if _, err := s.deps.Timeline.Append(ctx, tx, created.ID, p.ActorID, timeline.SwapMatched{
		ListingA:  created.ListingA,
		ListingB:  created.ListingB,
		UserA:     created.UserA,
		UserB:     created.UserB,
		AmountA:   created.AmountA,
		AmountB:   created.AmountB,
		ExpiresAt: created.ExpiresAt,
	}); err != nil {
		return Swap{}, err
	}

	for _, side := range []Side{SideA, SideB} {
		data := map[string]any{
			"your_bill":    created.BillPaidBy(side.Other()).StringFixed(2),
			"partner_bill": created.BillPaidBy(side).StringFixed(2),
			"expires_at":   created.ExpiresAt,
		}
		if err := s.deps.Notifier.NotifyUser(ctx, tx, created.UserOf(side), notify.MatchFound, created.ID, data); err != nil {
			return Swap{}, err
		}
	}
	return created, nil
}

// Step is one status transition and the event that records it.
type Step struct {
	To    Status
	Event timeline.Payload
}

type Notice struct {
	UserID string
	Event  notify.EventType
	Data   map[string]any
}

// Change describes what a MutateFunc did to a swap beyond its fields.
type Change struct {
	ActorID string
	// Lead events are recorded before the transitions, Events after them.
	Lead           []timeline.Payload
	Steps          []Step
	Events         []timeline.Payload
	Notices        []Notice
	Sanctions      []SanctionRequest
	DisputePenalty int
}

// MutateFunc edits sw in place and describes the change. It runs inside the
// transaction; tx may be used for writes that must commit with the swap.
type MutateFunc func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error)

// Mutate applies fn to the swap under compare-and-swap. When expectedVersion
// is positive the swap must still be at that version. Every step is checked
// against the lifecycle and recorded as exactly one event; settlement of the
// final status, sanctions and notifications commit in the same transaction.
func (s *Service) Mutate(ctx context.Context, swapID string, expectedVersion int, fn MutateFunc) (Swap, error) {
	var (
		result      Swap
		unchanged   bool
		touched     []string
		transitions [][2]Status
	)

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		sw, err := s.repo.GetTx(ctx, tx, swapID)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && sw.Version != expectedVersion {
			return ErrStale
		}

		before := sw
		before.ResponsibleUserIDs = append([]string(nil), sw.ResponsibleUserIDs...)
		ch, err := fn(ctx, tx, &sw)
		if errors.Is(err, ErrUnchanged) {
			result, unchanged = before, true
			return nil
		}
		if err != nil {
			return err
		}
		if before.Status.Terminal() {
			return ErrTerminal
		}

		current := before.Status
		for _, step := range ch.Steps {
			if !CanTransition(current, step.To) {
				return apperr.New(apperr.CodeInvalidTransition, "swap: cannot move from %s to %s", current, step.To)
			}
			if step.Event == nil {
				return apperr.New(apperr.CodeInternal, "swap: transition to %s without an event", step.To)
			}
			transitions = append(transitions, [2]Status{current, step.To})
			current = step.To
		}
		sw.Status = current

		plan := planSettlement(before, sw)
		if plan.penalize != nil {
			sw.DisputePenalized = true
		}

		updated, err := s.repo.Update(ctx, tx, sw, before.Status, before.Version)
		if err != nil {
			return err
		}

		sanctionEvents, users, err := s.settle(ctx, tx, updated, plan, ch)
		if err != nil {
			return err
		}
		touched = users

		for _, ev := range ch.Lead {
			if _, err := s.deps.Timeline.Append(ctx, tx, updated.ID, ch.ActorID, ev); err != nil {
				return err
			}
		}
		for _, step := range ch.Steps {
			if _, err := s.deps.Timeline.Append(ctx, tx, updated.ID, ch.ActorID, step.Event); err != nil {
				return err
			}
		}
		for _, ev := range append(ch.Events, sanctionEvents...) {
			if _, err := s.deps.Timeline.Append(ctx, tx, updated.ID, ch.ActorID, ev); err != nil {
				return err
			}
		}
		for _, n := range ch.Notices {
			if err := s.deps.Notifier.NotifyUser(ctx, tx, n.UserID, n.Event, updated.ID, n.Data); err != nil {
				return err
			}
		}

		result = updated
		return nil
	})
	if err != nil {
		return Swap{}, err
	}
	if unchanged {
		return result, nil
	}

	s.deps.Ledger.Invalidate(ctx, touched...)
	for _, t := range transitions {
		metrics.SwapTransition(string(t[0]), string(t[1]))
		s.logger.Info("swap transition", "swap_id", result.ID, "from", t[0], "to", t[1], "version", result.Version)
	}
	return result, nil
}

type settlement struct {
	complete      bool
	penalize      []string
	listingsPaid  []string
	listingsFreed []string
	release       bool
}

// planSettlement decides the side effects of reaching sw.Status from before.
func planSettlement(before, sw Swap) settlement {
	var plan settlement
	if sw.Status == before.Status {
		return plan
	}

	responsible := sortedUsers(sw.ResponsibleUserIDs)
	switch sw.Status {
	case StatusCompleted:
		plan.complete = true
		plan.listingsPaid = []string{sw.ListingA, sw.ListingB}
		plan.release = true
	case StatusFailed:
		if !before.DisputePenalized && len(responsible) > 0 {
			plan.penalize = responsible
		}
		for _, side := range []Side{SideA, SideB} {
			if sw.OwnBillPaid(side) {
				plan.listingsPaid = append(plan.listingsPaid, sw.ListingOf(side))
			} else {
				plan.listingsFreed = append(plan.listingsFreed, sw.ListingOf(side))
			}
		}
		plan.release = true
	case StatusDisputed:
		if !before.DisputePenalized && len(responsible) > 0 {
			plan.penalize = responsible
		}
	case StatusExpired, StatusCancelled, StatusRefunded:
		plan.listingsFreed = []string{sw.ListingA, sw.ListingB}
		plan.release = true
	}
	return plan
}

// settle executes the plan inside tx and returns the sanction events to
// record and the users whose ledger rows changed.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, sw Swap, plan settlement, ch Change) ([]timeline.Payload, []string, error) {
	var touched []string

	if plan.complete {
		key := sw.ID + ":completed"
		switch err := s.repo.InsertIdempotencyKey(ctx, tx, key); {
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			s.logger.Warn("completion already settled", "swap_id", sw.ID)
			plan = settlement{}
		case err != nil:
			return nil, nil, err
		default:
			if _, err := s.deps.Ledger.ApplySuccess(ctx, tx, sw.UserA, sw.UserB); err != nil {
				return nil, nil, err
			}
			touched = append(touched, sw.UserA, sw.UserB)
		}
	}

	for _, id := range plan.listingsPaid {
		if err := s.moveListing(ctx, tx, id, listing.StatusPaid); err != nil {
			return nil, nil, err
		}
	}
	for _, id := range plan.listingsFreed {
		if err := s.moveListing(ctx, tx, id, listing.StatusUnmatched); err != nil {
			return nil, nil, err
		}
	}
	if plan.release {
		if err := s.repo.ReleaseClaims(ctx, tx, sw.ID); err != nil {
			return nil, nil, err
		}
	}

	var events []timeline.Payload
	sanctioned := map[string]bool{}
	for _, req := range ch.Sanctions {
		if s.sanctioner == nil {
			return nil, nil, apperr.New(apperr.CodeInternal, "swap: no sanctioner configured")
		}
		req.SwapID = sw.ID
		out, err := s.sanctioner.Impose(ctx, tx, req)
		if err != nil {
			return nil, nil, err
		}
		sanctioned[req.UserID] = true
		events = append(events, timeline.SanctionApplied{
			SanctionID:  out.SanctionID,
			UserID:      req.UserID,
			Reason:      req.Reason,
			Penalty:     out.Penalty,
			Deactivated: out.Deactivated,
			Banned:      out.Banned,
		})
		if err := s.deps.Notifier.NotifyUser(ctx, tx, req.UserID, notify.Sanctioned, sw.ID, map[string]any{
			"sanction_id": out.SanctionID,
			"reason":      req.Reason,
			"penalty":     out.Penalty,
			"deactivated": out.Deactivated,
			"banned":      out.Banned,
		}); err != nil {
			return nil, nil, err
		}
		touched = append(touched, req.UserID)
	}

	for _, u := range plan.penalize {
		penalty := ch.DisputePenalty
		switch {
		case sanctioned[u]:
			penalty = 0
		case penalty <= 0:
			penalty = trust.DisputePenaltyPoints
		}
		if _, err := s.deps.Ledger.ApplyDispute(ctx, tx, u, penalty); err != nil {
			return nil, nil, err
		}
		touched = append(touched, u)
	}
	return events, touched, nil
}

func (s *Service) moveListing(ctx context.Context, tx pgx.Tx, id string, to listing.Status) error {
	if _, err := s.deps.Listings.Transition(ctx, tx, id, listing.StatusMatched, to); err != nil {
		if errors.Is(err, listing.ErrStatusConflict) {
			return apperr.Wrap(err, apperr.CodeIntegrity, fmt.Sprintf("swap: listing %s is not matched", id))
		}
		return err
	}
	return nil
}

func sortedUsers(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func participant(sw *Swap, userID string) (Side, error) {
	side, ok := sw.SideOf(userID)
	if !ok {
		return "", ErrNotParticipant
	}
	return side, nil
}

func invalid(sw *Swap, op string) error {
	return apperr.New(apperr.CodeInvalidTransition, "swap: cannot %s while %s", op, sw.Status)
}
