package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
	"billswap/logging"
)

var ErrMissingUser = apperr.Sentinel(apperr.CodeInvalidInput, "trust: missing user id")

type Service struct {
	pool   db.TxBeginner
	repo   Repository
	cache  Cache
	now    func() time.Time
	logger *slog.Logger
}

func NewService(pool db.TxBeginner, repo Repository) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		now:    time.Now,
		logger: logging.Discard(),
	}
}

func (s *Service) WithCache(cache Cache) *Service {
	s.cache = cache
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

// GetTier returns the user's tier, listing limit and lock state.
func (s *Service) GetTier(ctx context.Context, userID string) (Standing, error) {
	rec, err := s.record(ctx, userID)
	if err != nil {
		return Standing{}, err
	}
	return standingOf(rec, s.now()), nil
}

// IsEligible reports whether the user may list or be matched right now.
func (s *Service) IsEligible(ctx context.Context, userID string) (bool, error) {
	rec, err := s.record(ctx, userID)
	if err != nil {
		return false, err
	}
	return !rec.LockedAt(s.now()), nil
}

// RecordSuccess applies one successful swap in its own transaction.
func (s *Service) RecordSuccess(ctx context.Context, userID string) (Record, error) {
	return s.standalone(ctx, userID, func(tx pgx.Tx) (Record, error) {
		recs, err := s.ApplySuccess(ctx, tx, userID)
		if err != nil {
			return Record{}, err
		}
		return recs[0], nil
	})
}

// RecordDispute applies one dispute with the default penalty in its own transaction.
func (s *Service) RecordDispute(ctx context.Context, userID string) (Record, error) {
	return s.standalone(ctx, userID, func(tx pgx.Tx) (Record, error) {
		return s.ApplyDispute(ctx, tx, userID, DisputePenaltyPoints)
	})
}

func (s *Service) standalone(ctx context.Context, userID string, fn func(tx pgx.Tx) (Record, error)) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, ErrMissingUser
	}
	var rec Record
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		rec, err = fn(tx)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	s.Invalidate(ctx, userID)
	return rec, nil
}

// ApplySuccess records a success for every user inside tx. Rows are locked
// in ascending user id order so two swaps settling the same pair cannot
// deadlock. Results follow that sorted order.
func (s *Service) ApplySuccess(ctx context.Context, tx pgx.Tx, userIDs ...string) ([]Record, error) {
	ids := sortedUnique(userIDs)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.mutate(ctx, tx, id, func(r Record) Record { return r.withSuccess() })
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyDispute records a dispute against userID inside tx: tier drops one
// step, points drop by penalty and the user is locked out for
// DisputeLockDuration. A zero penalty leaves points to the caller, which
// charges them through a sanction.
func (s *Service) ApplyDispute(ctx context.Context, tx pgx.Tx, userID string, penalty int) (Record, error) {
	if penalty < 0 {
		penalty = 0
	}
	now := s.now()
	return s.mutate(ctx, tx, userID, func(r Record) Record { return r.withDispute(now, penalty) })
}

// Penalize deducts points without touching tier or counters and reports how
// many were actually taken, which is less than points when the balance hits
// zero. Negative points credit the user.
func (s *Service) Penalize(ctx context.Context, tx pgx.Tx, userID string, points int) (Record, int, error) {
	var taken int
	rec, err := s.mutate(ctx, tx, userID, func(r Record) Record {
		next := r.withPenalty(points)
		taken = r.TrustPoints - next.TrustPoints
		return next
	})
	if err != nil {
		return Record{}, 0, err
	}
	return rec, taken, nil
}

// LockUntil extends the user's eligibility lock to until.
func (s *Service) LockUntil(ctx context.Context, tx pgx.Tx, userID string, until time.Time) (Record, error) {
	return s.mutate(ctx, tx, userID, func(r Record) Record { return r.lockedUntil(until) })
}

// Invalidate drops cached records. Call after the mutating transaction commits.
func (s *Service) Invalidate(ctx context.Context, userIDs ...string) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, userIDs...); err != nil {
		s.logger.Warn("trust cache invalidation failed", "users", userIDs, "error", err)
	}
}

func (s *Service) mutate(ctx context.Context, tx pgx.Tx, userID string, fn func(Record) Record) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, ErrMissingUser
	}
	rec, err := s.repo.LockForUpdate(ctx, tx, userID)
	if err != nil {
		return Record{}, err
	}
	next := fn(rec)
	if next.Tier != TierFor(next.SuccessfulSwaps, next.DisputedSwaps) {
		return Record{}, apperr.New(apperr.CodeIntegrity,
			"trust: tier %d for %s does not match history", next.Tier, userID)
	}
	updated, err := s.repo.Update(ctx, tx, next)
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, ErrMissingUser
	}
	if s.cache != nil {
		rec, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("trust cache read failed", "user_id", userID, "error", err)
		} else if ok {
			return rec, nil
		}
	}

	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("trust: load %s: %w", userID, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, rec); err != nil {
			s.logger.Warn("trust cache write failed", "user_id", userID, "error", err)
		}
	}
	return rec, nil
}

func sortedUnique(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
