package trust

import (
	"time"

	"github.com/shopspring/decimal"
)

// Successful-swap counts at which the earned tier steps up. Veteran is the
// cap, so reaching 50 earns nothing past the step at 35.
var tierThresholds = [...]int{5, 15, 35, 50}

var tierLimits = map[Tier]decimal.Decimal{
	TierNew:         decimal.NewFromInt(25),
	TierEstablished: decimal.NewFromInt(50),
	TierTrusted:     decimal.NewFromInt(100),
	TierVeteran:     decimal.NewFromInt(150),
}

// TierFor is the tier implied by a user's history: one step per threshold
// reached up to TierVeteran, minus one step per dispute, never below TierNew.
// It depends only on the counts, so two users with the same history hold the
// same tier whatever order their swaps settled in.
func TierFor(successful, disputed int) Tier {
	earned := int(TierNew)
	for _, threshold := range tierThresholds {
		if successful >= threshold {
			earned++
		}
	}
	earned = min(earned, int(TierVeteran))
	t := earned - disputed
	if t < int(TierNew) {
		return TierNew
	}
	return Tier(t)
}

// LimitFor is the maximum bill amount a user at tier t may list.
func LimitFor(t Tier) decimal.Decimal {
	if limit, ok := tierLimits[t]; ok {
		return limit
	}
	return tierLimits[TierNew]
}

func (r Record) withSuccess() Record {
	r.TotalSwaps++
	r.SuccessfulSwaps++
	r.TrustPoints += SuccessPoints
	r.Tier = TierFor(r.SuccessfulSwaps, r.DisputedSwaps)
	return r
}

func (r Record) withDispute(now time.Time, penalty int) Record {
	r.TotalSwaps++
	r.DisputedSwaps++
	r = r.withPenalty(penalty)
	r = r.lockedUntil(now.Add(DisputeLockDuration))
	r.Tier = TierFor(r.SuccessfulSwaps, r.DisputedSwaps)
	return r
}

// withPenalty deducts points, flooring at zero. A negative penalty credits.
func (r Record) withPenalty(points int) Record {
	r.TrustPoints -= points
	if r.TrustPoints < 0 {
		r.TrustPoints = 0
	}
	return r
}

// lockedUntil only ever extends an existing lock.
func (r Record) lockedUntil(until time.Time) Record {
	if r.EligibilityLockedUntil == nil || until.After(*r.EligibilityLockedUntil) {
		u := until
		r.EligibilityLockedUntil = &u
	}
	return r
}
