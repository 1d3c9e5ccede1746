// Package sweep enforces swap deadlines in idempotent passes that can run on
// any schedule.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"billswap/logging"
	"billswap/metrics"
	"billswap/swap"
)

const leaseKey = "billswap:sweep:lease"

type Swaps interface {
	SweepCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
	SweepSwap(ctx context.Context, swapID string, now time.Time) (swap.SweepAction, error)
}

// Result tallies one pass.
type Result struct {
	Expired   int  `json:"expired"`
	Refunded  int  `json:"refunded"`
	Ghosted   int  `json:"ghosted"`
	Reminded  int  `json:"reminded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	LeaseLost bool `json:"lease_lost,omitempty"`
}

type Sweeper struct {
	swaps    Swaps
	lease    Lease
	leaseTTL time.Duration
	batch    int
	now      func() time.Time
	logger   *slog.Logger
}

func New(swaps Swaps, batch int) *Sweeper {
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{swaps: swaps, batch: batch, leaseTTL: 50 * time.Second, now: time.Now, logger: logging.Discard()}
}

// WithLease makes redundant workers skip a pass another worker holds.
func (s *Sweeper) WithLease(lease Lease, ttl time.Duration) *Sweeper {
	s.lease = lease
	if ttl > 0 {
		s.leaseTTL = ttl
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) WithLogger(logger *slog.Logger) *Sweeper {
	s.logger = logger
	return s
}

// Run performs one pass. Swaps lost to a concurrent user action are skipped
// and picked up again on the next pass.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, leaseKey, s.leaseTTL)
		switch {
		case err != nil:
			s.logger.Warn("sweep lease unavailable, sweeping anyway", "error", err)
		case !ok:
			res.LeaseLost = true
			return res, nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	now := s.now()
	ids, err := s.swaps.SweepCandidates(ctx, now, s.batch)
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		action, err := s.swaps.SweepSwap(ctx, id, now)
		if err != nil {
			if swap.IsStale(err) {
				res.Skipped++
				continue
			}
			res.Failed++
			s.logger.Error("sweep swap failed", "swap_id", id, "error", err)
			continue
		}
		switch action {
		case swap.SweepExpired:
			res.Expired++
		case swap.SweepRefunded:
			res.Refunded++
		case swap.SweepGhosted:
			res.Ghosted++
		case swap.SweepReminded:
			res.Reminded++
		}
	}

	metrics.SweepAction(string(swap.SweepExpired), res.Expired)
	metrics.SweepAction(string(swap.SweepRefunded), res.Refunded)
	metrics.SweepAction(string(swap.SweepGhosted), res.Ghosted)
	metrics.SweepAction(string(swap.SweepReminded), res.Reminded)
	metrics.SweepAction("skipped", res.Skipped)
	if len(ids) > 0 {
		s.logger.Info("sweep pass", "candidates", len(ids), "expired", res.Expired, "refunded", res.Refunded,
			"ghosted", res.Ghosted, "reminded", res.Reminded, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}

// Loop runs a pass every interval until ctx is cancelled.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
