// Package match pairs an open listing with a compatible listing from another
// user and opens a swap between them.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/db"
	"billswap/listing"
	"billswap/logging"
	"billswap/metrics"
	"billswap/swap"
	"billswap/trust"
)

var (
	ErrNotOwner       = apperr.Sentinel(apperr.CodeForbidden, "match: listing belongs to another user")
	ErrListingClosed  = apperr.Sentinel(apperr.CodeInvalidTransition, "match: listing is not open for matching")
	ErrNoCandidates   = apperr.Sentinel(apperr.CodeNoEligibleCandidates, "match: no eligible candidates")
	ErrListingTaken   = apperr.Sentinel(apperr.CodeConcurrentModification, "match: listing was matched concurrently")
	errCandidateTaken = errors.New("match: candidate taken")
)

type Listings interface {
	Get(ctx context.Context, id string) (listing.Listing, error)
	FindCandidates(ctx context.Context, q listing.CandidateQuery) ([]listing.Listing, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, from, to listing.Status) (listing.Listing, error)
}

type TrustReader interface {
	GetTier(ctx context.Context, userID string) (trust.Standing, error)
}

type Opener interface {
	Open(ctx context.Context, tx pgx.Tx, p swap.OpenParams) (swap.Swap, error)
}

type Options struct {
	AmountTolerancePercent int
	DueDateWindow          time.Duration
	CandidateLimit         int
}

func DefaultOptions() Options {
	return Options{AmountTolerancePercent: 20, DueDateWindow: 3 * 24 * time.Hour, CandidateLimit: 20}
}

type Service struct {
	pool     db.TxBeginner
	listings Listings
	trust    TrustReader
	swaps    Opener
	opts     Options
	logger   *slog.Logger
}

func NewService(pool db.TxBeginner, listings Listings, trust TrustReader, swaps Opener, opts Options) *Service {
	def := DefaultOptions()
	if opts.AmountTolerancePercent <= 0 {
		opts.AmountTolerancePercent = def.AmountTolerancePercent
	}
	if opts.DueDateWindow <= 0 {
		opts.DueDateWindow = def.DueDateWindow
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = def.CandidateLimit
	}
	return &Service{pool: pool, listings: listings, trust: trust, swaps: swaps, opts: opts, logger: logging.Discard()}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Query builds the candidate search for target.
func (s *Service) Query(target listing.Listing) listing.CandidateQuery {
	tol := decimal.NewFromInt(int64(s.opts.AmountTolerancePercent)).Div(decimal.NewFromInt(100))
	return listing.CandidateQuery{
		Amount:       target.Amount,
		MinAmount:    target.Amount.Mul(decimal.NewFromInt(1).Sub(tol)).Round(2),
		MaxAmount:    target.Amount.Mul(decimal.NewFromInt(1).Add(tol)).Round(2),
		DueFrom:      target.DueDate.Add(-s.opts.DueDateWindow),
		DueTo:        target.DueDate.Add(s.opts.DueDateWindow),
		ExcludeOwner: target.OwnerID,
		Limit:        s.opts.CandidateLimit,
	}
}

// Rank orders candidates by closeness of amount to target, then by age so
// the earliest posted listing wins ties. Listings of the target's owner and
// listings no longer open are dropped.
func Rank(target listing.Listing, candidates []listing.Listing) []listing.Listing {
	out := make([]listing.Listing, 0, len(candidates))
	for _, c := range candidates {
		if c.OwnerID == target.OwnerID || c.ID == target.ID || c.Status != listing.StatusUnmatched {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := out[i].Amount.Sub(target.Amount).Abs()
		dj := out[j].Amount.Sub(target.Amount).Abs()
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Match finds a partner for listingID on behalf of its owner and opens a
// swap in requested state.
func (s *Service) Match(ctx context.Context, listingID, requesterID string) (swap.Swap, error) {
	target, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return swap.Swap{}, err
	}
	if target.OwnerID != requesterID {
		return swap.Swap{}, ErrNotOwner
	}
	if target.Status != listing.StatusUnmatched {
		return swap.Swap{}, ErrListingClosed
	}
	if err := s.checkRequester(ctx, target); err != nil {
		return swap.Swap{}, err
	}

	candidates, err := s.listings.FindCandidates(ctx, s.Query(target))
	if err != nil {
		return swap.Swap{}, err
	}

	for _, cand := range Rank(target, candidates) {
		standing, err := s.trust.GetTier(ctx, cand.OwnerID)
		if err != nil {
			return swap.Swap{}, err
		}
		if standing.IsLocked {
			continue
		}

		sw, err := s.pair(ctx, target, cand, requesterID)
		switch {
		case err == nil:
			metrics.MatchResult("matched")
			s.logger.Info("listings matched", "swap_id", sw.ID, "listing_a", target.ID, "listing_b", cand.ID)
			return sw, nil
		case errors.Is(err, errCandidateTaken), errors.Is(err, swap.ErrListingClaimed):
			s.logger.Debug("candidate lost to concurrent match", "listing_id", cand.ID)
			continue
		case errors.Is(err, ErrListingTaken):
			metrics.MatchResult("conflict")
			return swap.Swap{}, err
		default:
			return swap.Swap{}, err
		}
	}

	metrics.MatchResult("no_candidates")
	return swap.Swap{}, ErrNoCandidates
}

func (s *Service) checkRequester(ctx context.Context, target listing.Listing) error {
	standing, err := s.trust.GetTier(ctx, target.OwnerID)
	if err != nil {
		return err
	}
	if standing.IsLocked {
		return listing.ErrNotEligible
	}
	if target.Amount.GreaterThan(standing.Limit) {
		return listing.ErrTierLimit
	}
	return nil
}

func (s *Service) pair(ctx context.Context, target, cand listing.Listing, actorID string) (swap.Swap, error) {
	var opened swap.Swap
	claim := func(tx pgx.Tx, id string, lost error) error {
		if _, err := s.listings.Transition(ctx, tx, id, listing.StatusUnmatched, listing.StatusMatched); err != nil {
			if errors.Is(err, listing.ErrStatusConflict) {
				return lost
			}
			return err
		}
		return nil
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Lower id first, so two requesters pairing the same listings from
		// opposite sides queue instead of deadlocking.
		first, second := claimTarget{cand.ID, errCandidateTaken}, claimTarget{target.ID, ErrListingTaken}
		if target.ID < cand.ID {
			first, second = second, first
		}
		if err := claim(tx, first.id, first.lost); err != nil {
			return err
		}
		if err := claim(tx, second.id, second.lost); err != nil {
			return err
		}
		sw, err := s.swaps.Open(ctx, tx, swap.OpenParams{
			ListingA: target.ID,
			ListingB: cand.ID,
			UserA:    target.OwnerID,
			UserB:    cand.OwnerID,
			AmountA:  target.Amount,
			AmountB:  cand.Amount,
			ActorID:  actorID,
		})
		if err != nil {
			return err
		}
		opened = sw
		return nil
	})
	return opened, err
}

type claimTarget struct {
	id   string
	lost error
}
