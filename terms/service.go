// Package terms negotiates optional deal terms on a swap before any fee is
// committed.
package terms

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
	"billswap/logging"
	"billswap/notify"
	"billswap/swap"
	"billswap/timeline"
)

var (
	ErrClosed    = apperr.Sentinel(apperr.CodeInvalidTransition, "terms: negotiation is closed")
	ErrExhausted = apperr.Sentinel(apperr.CodeInvalidTransition, "terms: no counter-offers left")
	ErrOwnOffer  = apperr.Sentinel(apperr.CodeForbidden, "terms: cannot answer your own offer")
)

const DefaultDeadlineHours = 24

// SwapLocker reads a swap under its row lock, so a negotiation step cannot
// interleave with a commit moving the swap past handshake.
type SwapLocker interface {
	LockTx(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error)
}

type Timeline interface {
	Append(ctx context.Context, tx pgx.Tx, swapID, actorID string, payload timeline.Payload) (timeline.Event, error)
}

type Notifier interface {
	NotifyUser(ctx context.Context, tx pgx.Tx, userID string, event notify.EventType, swapID string, data map[string]any) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	swaps       SwapLocker
	timeline    Timeline
	notifier    Notifier
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool db.TxBeginner, repo Repository, swaps SwapLocker, tl Timeline, notifier Notifier) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		swaps:       swaps,
		timeline:    tl,
		notifier:    notifier,
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

// Propose opens negotiation on a swap with a first offer.
func (s *Service) Propose(ctx context.Context, swapID, proposerID string, offer Offer) (Terms, error) {
	version := 1
	switch latest, err := s.repo.Latest(ctx, swapID); {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Terms{}, err
	case latest.Status.Open():
		return Terms{}, ErrOpenTerms
	default:
		version = latest.Version + 1
	}

	var created Terms
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		sw, err := s.negotiable(ctx, tx, swapID, proposerID)
		if err != nil {
			return err
		}
		t, err := s.build(sw, proposerID, version, StatusProposed, offer)
		if err != nil {
			return err
		}
		created, err = s.repo.Insert(ctx, tx, t)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, sw, proposerID, timeline.TermsProposed{TermsRef: ref(created, proposerID)})
	})
	if err != nil {
		return Terms{}, err
	}
	return created, nil
}

// Counter supersedes the open offer with a new version from the other party.
func (s *Service) Counter(ctx context.Context, termsID, userID string, offer Offer) (Terms, error) {
	current, err := s.repo.Get(ctx, termsID)
	if err != nil {
		return Terms{}, err
	}
	if !current.Status.Open() {
		return Terms{}, ErrClosed
	}
	if current.ProposedBy == userID {
		return Terms{}, ErrOwnOffer
	}
	if current.Version >= MaxVersion {
		return Terms{}, ErrExhausted
	}

	var created Terms
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		sw, err := s.negotiable(ctx, tx, current.SwapID, userID)
		if err != nil {
			return err
		}
		if _, err := s.repo.SetStatus(ctx, tx, current.ID, current.Status, StatusSuperseded, s.now()); err != nil {
			return err
		}
		t, err := s.build(sw, userID, current.Version+1, StatusCountered, offer)
		if err != nil {
			return err
		}
		created, err = s.repo.Insert(ctx, tx, t)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, sw, userID, timeline.TermsCountered{TermsRef: ref(created, userID)})
	})
	if err != nil {
		return Terms{}, err
	}
	return created, nil
}

// Accept agrees to the open offer. Only the party who did not make it may
// accept.
func (s *Service) Accept(ctx context.Context, termsID, userID string) (Terms, error) {
	return s.decide(ctx, termsID, userID, StatusAccepted)
}

// Reject closes the open offer. The proposer may reject to withdraw it.
func (s *Service) Reject(ctx context.Context, termsID, userID string) (Terms, error) {
	return s.decide(ctx, termsID, userID, StatusRejected)
}

func (s *Service) decide(ctx context.Context, termsID, userID string, to Status) (Terms, error) {
	current, err := s.repo.Get(ctx, termsID)
	if err != nil {
		return Terms{}, err
	}
	if !current.Status.Open() {
		return Terms{}, ErrClosed
	}
	if to == StatusAccepted && current.ProposedBy == userID {
		return Terms{}, ErrOwnOffer
	}

	var updated Terms
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		sw, err := s.negotiable(ctx, tx, current.SwapID, userID)
		if err != nil {
			return err
		}
		updated, err = s.repo.SetStatus(ctx, tx, current.ID, current.Status, to, s.now())
		if err != nil {
			return err
		}
		var ev timeline.Payload = timeline.TermsRejected{TermsRef: ref(updated, userID)}
		if to == StatusAccepted {
			ev = timeline.TermsAccepted{TermsRef: ref(updated, userID)}
		}
		return s.record(ctx, tx, sw, userID, ev)
	})
	if err != nil {
		return Terms{}, err
	}
	return updated, nil
}

// Current returns the latest version negotiated on the swap.
func (s *Service) Current(ctx context.Context, swapID string) (Terms, error) {
	return s.repo.Latest(ctx, swapID)
}

// AcceptedExecutionWindow reports the payment deadline of accepted terms.
func (s *Service) AcceptedExecutionWindow(ctx context.Context, swapID string) (time.Duration, bool, error) {
	t, err := s.repo.Accepted(ctx, swapID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return time.Duration(t.PaymentDeadlineHours) * time.Hour, true, nil
}

func (s *Service) negotiable(ctx context.Context, tx pgx.Tx, swapID, userID string) (swap.Swap, error) {
	sw, err := s.swaps.LockTx(ctx, tx, swapID)
	if err != nil {
		return swap.Swap{}, err
	}
	if _, ok := sw.SideOf(userID); !ok {
		return swap.Swap{}, swap.ErrNotParticipant
	}
	if sw.Status != swap.StatusRequested && sw.Status != swap.StatusHandshake {
		return swap.Swap{}, ErrClosed
	}
	return sw, nil
}

func (s *Service) build(sw swap.Swap, userID string, version int, status Status, offer Offer) (Terms, error) {
	if version > MaxVersion {
		return Terms{}, ErrExhausted
	}
	t := Terms{
		ID:                   s.idGenerator(),
		SwapID:               sw.ID,
		Version:              version,
		Status:               status,
		ProposedBy:           userID,
		FirstPayer:           offer.FirstPayer,
		AmountA:              offer.AmountA,
		AmountB:              offer.AmountB,
		PaymentDeadlineHours: offer.PaymentDeadlineHours,
		ProofRequired:        true,
		PenaltyPolicy:        offer.PenaltyPolicy,
		CreatedAt:            s.now(),
	}
	if offer.ProofRequired != nil {
		t.ProofRequired = *offer.ProofRequired
	}
	if t.AmountA.IsZero() {
		t.AmountA = sw.AmountA
	}
	if t.AmountB.IsZero() {
		t.AmountB = sw.AmountB
	}
	if t.PaymentDeadlineHours == 0 {
		t.PaymentDeadlineHours = DefaultDeadlineHours
	}

	switch {
	case t.AmountA.IsNegative() || t.AmountB.IsNegative():
		return Terms{}, apperr.New(apperr.CodeInvalidInput, "terms: amounts must be positive")
	case t.PaymentDeadlineHours < 0 || t.PaymentDeadlineHours > 7*24:
		return Terms{}, apperr.New(apperr.CodeInvalidInput, "terms: payment deadline must be between 1 and 168 hours")
	case t.FirstPayer != "":
		if _, ok := sw.SideOf(t.FirstPayer); !ok {
			return Terms{}, apperr.New(apperr.CodeInvalidInput, "terms: first payer %s is not a participant", t.FirstPayer)
		}
	}
	return t, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, sw swap.Swap, actorID string, ev timeline.Payload) error {
	if _, err := s.timeline.Append(ctx, tx, sw.ID, actorID, ev); err != nil {
		return err
	}
	for _, u := range sw.Users() {
		if u == actorID {
			continue
		}
		if err := s.notifier.NotifyUser(ctx, tx, u, notify.TermsUpdated, sw.ID, map[string]any{"event": string(ev.EventType())}); err != nil {
			return err
		}
	}
	s.logger.Info("terms updated", "swap_id", sw.ID, "event", ev.EventType(), "user_id", actorID)
	return nil
}

func ref(t Terms, userID string) timeline.TermsRef {
	return timeline.TermsRef{TermsID: t.ID, Version: t.Version, UserID: userID}
}
