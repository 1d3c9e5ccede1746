package escalation

import (
	"time"

	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonFakeReceipt Reason = "fake_receipt"
	ReasonNoPayment   Reason = "no_payment"
	ReasonHarassment  Reason = "harassment"
	ReasonAbandoned   Reason = "abandoned_connection"
	ReasonOther       Reason = "other"
)

var basePenalty = map[Reason]int{
	ReasonFakeReceipt: 50,
	ReasonNoPayment:   30,
	ReasonHarassment:  20,
	ReasonOther:       10,
	ReasonAbandoned:   5,
}

func (r Reason) Valid() bool {
	_, ok := basePenalty[r]
	return ok
}

type AppealStatus string

const (
	AppealNone       AppealStatus = "none"
	AppealPending    AppealStatus = "pending"
	AppealUpheld     AppealStatus = "upheld"
	AppealOverturned AppealStatus = "overturned"
)

const (
	RecentWindow      = 90 * 24 * time.Hour
	DeactivateAfter   = 3
	BanAfter          = 5
	DeactivationLock  = 30 * 24 * time.Hour
	BanLock           = 100 * 365 * 24 * time.Hour
	unpaidPointsEvery = 5
)

// Sanction is a recorded penalty. Only the appeal fields change after it is
// created.
type Sanction struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Reason           Reason       `json:"reason"`
	Penalty          int          `json:"penalty"`
	Deducted         int          `json:"deducted"`
	SwapID           string       `json:"related_swap_id,omitempty"`
	WasDeactivated   bool         `json:"was_deactivated"`
	WasBanned        bool         `json:"was_banned"`
	AppealStatus     AppealStatus `json:"appeal_status"`
	AppealReason     string       `json:"appeal_reason,omitempty"`
	AppealedAt       *time.Time   `json:"appealed_at,omitempty"`
	AppealResolvedAt *time.Time   `json:"appeal_resolved_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Severity is the outcome of weighing a new sanction against the user's
// recent history.
type Severity struct {
	Penalty     int
	Deactivated bool
	Banned      bool
}

// Assess computes the penalty for reason given the unpaid bill amount and
// the number of sanctions the user received in the previous RecentWindow.
func Assess(reason Reason, unpaid decimal.Decimal, prior int) Severity {
	penalty := basePenalty[reason]
	if unpaid.IsPositive() {
		penalty += int(unpaid.Div(decimal.NewFromInt(unpaidPointsEvery)).Floor().IntPart())
	}
	sev := Severity{
		Deactivated: prior >= DeactivateAfter,
		Banned:      prior >= BanAfter,
	}
	if sev.Deactivated {
		penalty *= 2
	}
	sev.Penalty = penalty
	return sev
}

// LockFor returns how long the user is locked out after a sanction of sev.
func LockFor(sev Severity) time.Duration {
	switch {
	case sev.Banned:
		return BanLock
	case sev.Deactivated:
		return DeactivationLock
	}
	return 0
}
