package trust

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a user's standing. It only ever moves by one step per event.
type Tier int

const (
	TierNew Tier = iota + 1
	TierEstablished
	TierTrusted
	TierVeteran
)

func (t Tier) String() string {
	switch t {
	case TierNew:
		return "new"
	case TierEstablished:
		return "established"
	case TierTrusted:
		return "trusted"
	case TierVeteran:
		return "veteran"
	default:
		return "unknown"
	}
}

const (
	SuccessPoints        = 10
	DisputePenaltyPoints = 25
	MaxDisplayScore      = 100
	DisputeLockDuration  = 7 * 24 * time.Hour
)

// Record is one row of the trust ledger.
type Record struct {
	UserID                 string
	Tier                   Tier
	TotalSwaps             int
	SuccessfulSwaps        int
	DisputedSwaps          int
	TrustPoints            int
	EligibilityLockedUntil *time.Time
	UpdatedAt              time.Time
}

// NewRecord is the lazily created ledger row for a user with no activity.
func NewRecord(userID string) Record {
	return Record{UserID: userID, Tier: TierNew}
}

// Score is the user-facing trust score.
func (r Record) Score() int {
	if r.TrustPoints > MaxDisplayScore {
		return MaxDisplayScore
	}
	return r.TrustPoints
}

// LockedAt reports whether the record is locked out of new swaps at now.
func (r Record) LockedAt(now time.Time) bool {
	return r.EligibilityLockedUntil != nil && now.Before(*r.EligibilityLockedUntil)
}

// Standing is the read model returned by GetTier.
type Standing struct {
	UserID      string          `json:"user_id"`
	Tier        Tier            `json:"tier"`
	TierName    string          `json:"tier_name"`
	Limit       decimal.Decimal `json:"limit"`
	IsLocked    bool            `json:"is_locked"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	Score       int             `json:"score"`
	Successful  int             `json:"successful_swaps"`
	Disputed    int             `json:"disputed_swaps"`
}

func standingOf(rec Record, now time.Time) Standing {
	st := Standing{
		UserID:     rec.UserID,
		Tier:       rec.Tier,
		TierName:   rec.Tier.String(),
		Limit:      LimitFor(rec.Tier),
		IsLocked:   rec.LockedAt(now),
		Score:      rec.Score(),
		Successful: rec.SuccessfulSwaps,
		Disputed:   rec.DisputedSwaps,
	}
	if st.IsLocked {
		st.LockedUntil = rec.EligibilityLockedUntil
	}
	return st
}
