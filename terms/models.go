package terms

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusProposed   Status = "proposed"
	StatusCountered  Status = "countered"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
)

// Open terms are still under negotiation.
func (s Status) Open() bool { return s == StatusProposed || s == StatusCountered }

// MaxVersion caps negotiation at three counter-offers.
const MaxVersion = 4

// Terms is one version of the deal negotiated on a swap.
type Terms struct {
	ID                   string          `json:"id"`
	SwapID               string          `json:"swap_id"`
	Version              int             `json:"version"`
	Status               Status          `json:"status"`
	ProposedBy           string          `json:"proposed_by"`
	FirstPayer           string          `json:"first_payer,omitempty"`
	AmountA              decimal.Decimal `json:"amount_a"`
	AmountB              decimal.Decimal `json:"amount_b"`
	PaymentDeadlineHours int             `json:"payment_deadline_hours"`
	ProofRequired        bool            `json:"proof_required"`
	PenaltyPolicy        string          `json:"penalty_policy,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
}

// Offer is what a participant puts on the table. Zero amounts default to
// the swap's amounts.
type Offer struct {
	FirstPayer           string          `json:"first_payer"`
	AmountA              decimal.Decimal `json:"amount_a"`
	AmountB              decimal.Decimal `json:"amount_b"`
	PaymentDeadlineHours int             `json:"payment_deadline_hours"`
	ProofRequired        *bool           `json:"proof_required"`
	PenaltyPolicy        string          `json:"penalty_policy"`
}
