// Package escalation records sanctions, handles ghost reports and settles
// disputes.
package escalation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
	"billswap/logging"
	"billswap/metrics"
	"billswap/notify"
	"billswap/swap"
	"billswap/timeline"
	"billswap/trust"
)

var (
	ErrInvalidReason = apperr.Sentinel(apperr.CodeInvalidInput, "escalation: unknown sanction reason")
	ErrNotOwner      = apperr.Sentinel(apperr.CodeForbidden, "escalation: sanction belongs to another user")
	ErrNotOverdue    = apperr.Sentinel(apperr.CodeInvalidTransition, "escalation: swap deadline has not passed")
	ErrReporterIdle  = apperr.Sentinel(apperr.CodeInvalidTransition, "escalation: reporter has not completed their side")
	ErrPartnerPaid   = apperr.Sentinel(apperr.CodeInvalidTransition, "escalation: partner already submitted proof")
)

type Ledger interface {
	LockUntil(ctx context.Context, tx pgx.Tx, userID string, until time.Time) (trust.Record, error)
	Penalize(ctx context.Context, tx pgx.Tx, userID string, points int) (trust.Record, int, error)
	Invalidate(ctx context.Context, userIDs ...string)
}

type Swaps interface {
	Mutate(ctx context.Context, swapID string, expectedVersion int, fn swap.MutateFunc) (swap.Swap, error)
	Lock(ctx context.Context, tx pgx.Tx, swapID string) (swap.Swap, error)
}

type Timeline interface {
	Append(ctx context.Context, tx pgx.Tx, swapID, actorID string, payload timeline.Payload) (timeline.Event, error)
}

type Notifier interface {
	NotifyUser(ctx context.Context, tx pgx.Tx, userID string, event notify.EventType, swapID string, data map[string]any) error
}

type Engine struct {
	pool        db.TxBeginner
	repo        Repository
	ledger      Ledger
	swaps       Swaps
	timeline    Timeline
	notifier    Notifier
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewEngine(pool db.TxBeginner, repo Repository, ledger Ledger, timeline Timeline, notifier Notifier) *Engine {
	return &Engine{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		timeline:    timeline,
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      logging.Discard(),
	}
}

// WithSwaps wires the swap service. The swap service in turn imposes
// sanctions through the engine, so the two are connected after construction.
func (e *Engine) WithSwaps(swaps Swaps) *Engine {
	e.swaps = swaps
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Impose records a sanction inside tx, deducts its penalty and applies its
// lock. The sanction keeps the points actually taken so an overturn credits
// back no more than that.
func (e *Engine) Impose(ctx context.Context, tx pgx.Tx, req swap.SanctionRequest) (swap.SanctionOutcome, error) {
	reason := Reason(req.Reason)
	if !reason.Valid() {
		return swap.SanctionOutcome{}, ErrInvalidReason
	}
	if strings.TrimSpace(req.UserID) == "" {
		return swap.SanctionOutcome{}, apperr.New(apperr.CodeInvalidInput, "escalation: sanction without a user")
	}

	now := e.now()
	prior, err := e.repo.CountSince(ctx, tx, req.UserID, now.Add(-RecentWindow))
	if err != nil {
		return swap.SanctionOutcome{}, err
	}
	sev := Assess(reason, req.UnpaidAmount, prior)
	_, taken, err := e.ledger.Penalize(ctx, tx, req.UserID, sev.Penalty)
	if err != nil {
		return swap.SanctionOutcome{}, err
	}

	rec, err := e.repo.Insert(ctx, tx, Sanction{
		ID:             e.idGenerator(),
		UserID:         req.UserID,
		Reason:         reason,
		Penalty:        sev.Penalty,
		Deducted:       taken,
		SwapID:         req.SwapID,
		WasDeactivated: sev.Deactivated,
		WasBanned:      sev.Banned,
		AppealStatus:   AppealNone,
		CreatedAt:      now,
	})
	if err != nil {
		return swap.SanctionOutcome{}, err
	}

	if lock := LockFor(sev); lock > 0 {
		if _, err := e.ledger.LockUntil(ctx, tx, req.UserID, now.Add(lock)); err != nil {
			return swap.SanctionOutcome{}, err
		}
	}

	metrics.SanctionApplied(string(reason))
	e.logger.Info("sanction imposed",
		"sanction_id", rec.ID, "user_id", req.UserID, "reason", reason,
		"penalty", sev.Penalty, "deducted", taken, "deactivated", sev.Deactivated, "banned", sev.Banned)
	return swap.SanctionOutcome{
		SanctionID:  rec.ID,
		Penalty:     sev.Penalty,
		Deactivated: sev.Deactivated,
		Banned:      sev.Banned,
	}, nil
}

// ReportGhost disputes an overdue swap on behalf of a participant who has
// paid, sanctioning the partner who has not.
func (e *Engine) ReportGhost(ctx context.Context, swapID, reporterID string) (swap.Swap, error) {
	now := e.now()
	return e.swaps.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *swap.Swap) (swap.Change, error) {
		if sw.Status.Terminal() || sw.Status == swap.StatusDisputed {
			return swap.Change{}, swap.ErrUnchanged
		}
		side, ok := sw.SideOf(reporterID)
		if !ok {
			return swap.Change{}, swap.ErrNotParticipant
		}
		if sw.Status != swap.StatusFeePaid && sw.Status != swap.StatusExecuting {
			return swap.Change{}, apperr.New(apperr.CodeInvalidTransition, "escalation: cannot report a ghost while %s", sw.Status)
		}
		if !now.After(sw.ExpiresAt) {
			return swap.Change{}, ErrNotOverdue
		}
		if !sw.Leg(side).Submitted() {
			return swap.Change{}, ErrReporterIdle
		}
		partnerSide := side.Other()
		if sw.Leg(partnerSide).Submitted() {
			return swap.Change{}, ErrPartnerPaid
		}

		partner := sw.UserOf(partnerSide)
		sw.ResponsibleUserIDs = []string{partner}
		sw.DisputeReason = string(ReasonNoPayment)

		ch := swap.Change{
			ActorID: reporterID,
			Steps: []swap.Step{{To: swap.StatusDisputed, Event: timeline.DisputeOpened{
				RaisedBy:           reporterID,
				Reason:             string(ReasonNoPayment),
				ResponsibleUserIDs: sw.ResponsibleUserIDs,
			}}},
			Sanctions: []swap.SanctionRequest{{
				UserID:       partner,
				Reason:       string(ReasonNoPayment),
				UnpaidAmount: sw.BillPaidBy(partnerSide),
			}},
		}
		for _, u := range sw.Users() {
			ch.Notices = append(ch.Notices, swap.Notice{
				UserID: u,
				Event:  notify.DisputeOpened,
				Data:   map[string]any{"reason": string(ReasonNoPayment), "responsible_user_ids": sw.ResponsibleUserIDs},
			})
		}
		return ch, nil
	})
}

type ResolveParams struct {
	SwapID        string
	Outcome       swap.Status
	AdjudicatorID string
	Responsible   []string
}

// ResolveDispute closes a disputed swap as completed or failed. Resolving a
// swap that is already closed returns it unchanged.
func (e *Engine) ResolveDispute(ctx context.Context, p ResolveParams) (swap.Swap, error) {
	if p.Outcome != swap.StatusCompleted && p.Outcome != swap.StatusFailed {
		return swap.Swap{}, apperr.New(apperr.CodeInvalidInput, "escalation: outcome must be completed or failed, got %q", p.Outcome)
	}
	if strings.TrimSpace(p.AdjudicatorID) == "" {
		return swap.Swap{}, apperr.New(apperr.CodeInvalidInput, "escalation: adjudicator required")
	}

	var credited []string
	now := e.now()
	sw, err := e.swaps.Mutate(ctx, p.SwapID, 0, func(ctx context.Context, tx pgx.Tx, sw *swap.Swap) (swap.Change, error) {
		if sw.Status.Terminal() {
			return swap.Change{}, swap.ErrUnchanged
		}
		if sw.Status != swap.StatusDisputed {
			return swap.Change{}, apperr.New(apperr.CodeInvalidTransition, "escalation: swap is %s, not disputed", sw.Status)
		}
		if _, isParticipant := sw.SideOf(p.AdjudicatorID); isParticipant {
			return swap.Change{}, apperr.New(apperr.CodeForbidden, "escalation: participants cannot resolve their own dispute")
		}
		for _, u := range p.Responsible {
			if _, ok := sw.SideOf(u); !ok {
				return swap.Change{}, apperr.New(apperr.CodeInvalidInput, "escalation: %s is not a participant", u)
			}
		}

		appeal := AppealOverturned
		if p.Outcome == swap.StatusFailed {
			appeal = AppealUpheld
			switch {
			case len(p.Responsible) > 0:
				sw.ResponsibleUserIDs = dedupe(p.Responsible)
			case len(sw.ResponsibleUserIDs) == 0:
				sw.ResponsibleUserIDs = sw.Users()
			}
		} else {
			sw.ResponsibleUserIDs = nil
		}

		resolved, err := e.repo.ResolvePendingForSwap(ctx, tx, sw.ID, appeal, now)
		if err != nil {
			return swap.Change{}, err
		}
		for _, s := range resolved {
			if appeal == AppealOverturned {
				if _, _, err := e.ledger.Penalize(ctx, tx, s.UserID, -s.Deducted); err != nil {
					return swap.Change{}, err
				}
				credited = append(credited, s.UserID)
			}
		}

		ch := swap.Change{
			ActorID: p.AdjudicatorID,
			Steps: []swap.Step{{To: p.Outcome, Event: timeline.DisputeResolved{
				Outcome:            string(p.Outcome),
				AdjudicatorID:      p.AdjudicatorID,
				ResponsibleUserIDs: sw.ResponsibleUserIDs,
			}}},
		}
		for _, u := range sw.Users() {
			ch.Notices = append(ch.Notices, swap.Notice{
				UserID: u,
				Event:  notify.DisputeResolved,
				Data:   map[string]any{"outcome": string(p.Outcome)},
			})
		}
		return ch, nil
	})
	if err != nil {
		return swap.Swap{}, err
	}
	e.ledger.Invalidate(ctx, credited...)
	return sw, nil
}

// Sanction lets an adjudicator impose a sanction outside any swap
// transition, for reasons such as harassment.
func (e *Engine) Sanction(ctx context.Context, adjudicatorID, userID string, reason Reason, swapID string) (swap.SanctionOutcome, error) {
	if strings.TrimSpace(adjudicatorID) == "" || adjudicatorID == userID {
		return swap.SanctionOutcome{}, apperr.New(apperr.CodeForbidden, "escalation: invalid adjudicator")
	}
	var out swap.SanctionOutcome
	err := db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if swapID != "" {
			if _, err := e.swaps.Lock(ctx, tx, swapID); err != nil {
				return err
			}
		}
		var err error
		out, err = e.Impose(ctx, tx, swap.SanctionRequest{UserID: userID, Reason: string(reason), SwapID: swapID})
		if err != nil {
			return err
		}
		if swapID != "" {
			if _, err := e.timeline.Append(ctx, tx, swapID, adjudicatorID, timeline.SanctionApplied{
				SanctionID:  out.SanctionID,
				UserID:      userID,
				Reason:      string(reason),
				Penalty:     out.Penalty,
				Deactivated: out.Deactivated,
				Banned:      out.Banned,
			}); err != nil {
				return err
			}
		}
		return e.notifier.NotifyUser(ctx, tx, userID, notify.Sanctioned, swapID, map[string]any{
			"sanction_id": out.SanctionID,
			"reason":      string(reason),
			"penalty":     out.Penalty,
		})
	})
	if err != nil {
		return swap.SanctionOutcome{}, err
	}
	e.ledger.Invalidate(ctx, userID)
	return out, nil
}

// FileAppeal opens an appeal on the caller's own sanction.
func (e *Engine) FileAppeal(ctx context.Context, sanctionID, userID, reason string) (Sanction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Sanction{}, apperr.New(apperr.CodeInvalidInput, "escalation: appeal needs a reason")
	}
	current, err := e.repo.Get(ctx, sanctionID)
	if err != nil {
		return Sanction{}, err
	}
	if current.UserID != userID {
		return Sanction{}, ErrNotOwner
	}
	if current.AppealStatus != AppealNone {
		return Sanction{}, apperr.New(apperr.CodeInvalidTransition, "escalation: sanction appeal is already %s", current.AppealStatus)
	}

	var updated Sanction
	err = db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if current.SwapID != "" {
			if _, err := e.swaps.Lock(ctx, tx, current.SwapID); err != nil {
				return err
			}
		}
		var err error
		updated, err = e.repo.UpdateAppeal(ctx, tx, sanctionID, AppealNone, AppealPending, reason, e.now())
		if err != nil {
			return err
		}
		if updated.SwapID == "" {
			return nil
		}
		_, err = e.timeline.Append(ctx, tx, updated.SwapID, userID, timeline.SanctionAppealed{
			SanctionID: updated.ID,
			UserID:     userID,
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return Sanction{}, err
	}
	return updated, nil
}

// DecideAppeal settles a pending appeal. Overturning credits back the points
// the sanction actually took.
func (e *Engine) DecideAppeal(ctx context.Context, sanctionID, adjudicatorID string, overturn bool) (Sanction, error) {
	current, err := e.repo.Get(ctx, sanctionID)
	if err != nil {
		return Sanction{}, err
	}
	if current.UserID == adjudicatorID {
		return Sanction{}, apperr.New(apperr.CodeForbidden, "escalation: users cannot decide their own appeal")
	}
	to := AppealUpheld
	if overturn {
		to = AppealOverturned
	}

	var updated Sanction
	err = db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = e.repo.UpdateAppeal(ctx, tx, sanctionID, AppealPending, to, "", e.now())
		if err != nil {
			return err
		}
		if overturn {
			if _, _, err := e.ledger.Penalize(ctx, tx, updated.UserID, -updated.Deducted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Sanction{}, err
	}
	if overturn {
		e.ledger.Invalidate(ctx, updated.UserID)
	}
	return updated, nil
}

func (e *Engine) ListSanctions(ctx context.Context, userID string) ([]Sanction, error) {
	return e.repo.ListByUser(ctx, userID)
}

func (e *Engine) GetSanction(ctx context.Context, id string) (Sanction, error) {
	return e.repo.Get(ctx, id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
