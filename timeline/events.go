package timeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the closed set of things that can happen to a swap.
type EventType string

const (
	TypeSwapMatched      EventType = "swap_matched"
	TypeSwapAccepted     EventType = "swap_accepted"
	TypeFeeCommitted     EventType = "fee_committed"
	TypeFeePaid          EventType = "fee_paid"
	TypeProofSubmitted   EventType = "proof_submitted"
	TypeProofVerified    EventType = "proof_verified"
	TypeProofHeld        EventType = "proof_held_for_review"
	TypeProofRejected    EventType = "proof_rejected"
	TypeSwapCompleted    EventType = "swap_completed"
	TypeSwapCancelled    EventType = "swap_cancelled"
	TypeSwapExpired      EventType = "swap_expired"
	TypeSwapRefunded     EventType = "swap_refunded"
	TypeGhostFlagged     EventType = "ghost_flagged"
	TypeDeadlineReminder EventType = "deadline_reminder"
	TypeDisputeOpened    EventType = "dispute_opened"
	TypeDisputeResolved  EventType = "dispute_resolved"
	TypeSwapFailed       EventType = "swap_failed"
	TypeSanctionApplied  EventType = "sanction_applied"
	TypeSanctionAppealed EventType = "sanction_appealed"
	TypeTermsProposed    EventType = "terms_proposed"
	TypeTermsCountered   EventType = "terms_countered"
	TypeTermsAccepted    EventType = "terms_accepted"
	TypeTermsRejected    EventType = "terms_rejected"
)

// Payload is implemented by every event body. The type decides the schema.
type Payload interface {
	EventType() EventType
}

// Event is one immutable entry in a swap's timeline.
type Event struct {
	ID        int64     `json:"id"`
	SwapID    string    `json:"swap_id"`
	Seq       int       `json:"seq"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Type      EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type SwapMatched struct {
	ListingA  string          `json:"listing_a"`
	ListingB  string          `json:"listing_b"`
	UserA     string          `json:"user_a"`
	UserB     string          `json:"user_b"`
	AmountA   decimal.Decimal `json:"amount_a"`
	AmountB   decimal.Decimal `json:"amount_b"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type SwapAccepted struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type FeeCommitted struct {
	UserID    string    `json:"user_id"`
	Side      string    `json:"side"`
	ExpiresAt time.Time `json:"expires_at"`
}

type FeePaid struct {
	UserID    string    `json:"user_id"`
	Side      string    `json:"side"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ProofSubmitted struct {
	UserID      string  `json:"user_id"`
	Side        string  `json:"side"`
	ProofURL    string  `json:"proof_url"`
	Fingerprint string  `json:"fingerprint"`
	ProofStatus string  `json:"proof_status"`
	Confidence  float64 `json:"confidence"`
	HoldReason  string  `json:"hold_reason,omitempty"`
}

type ProofVerified struct {
	Side       string `json:"side"`
	ReviewerID string `json:"reviewer_id"`
}

type ProofHeld struct {
	Side       string  `json:"side"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type ProofRejected struct {
	Side       string `json:"side"`
	Reason     string `json:"reason"`
	ReviewerID string `json:"reviewer_id"`
}

type SwapCompleted struct {
	CompletedBy string `json:"completed_by"`
}

type SwapCancelled struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type SwapExpired struct {
	From string `json:"from"`
}

type SwapRefunded struct {
	RefundedUserIDs []string `json:"refunded_user_ids"`
	AbandonedUserID string   `json:"abandoned_user_id,omitempty"`
}

type GhostFlagged struct {
	PendingUserIDs []string  `json:"pending_user_ids"`
	Deadline       time.Time `json:"deadline"`
}

type DeadlineReminder struct {
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

type DisputeOpened struct {
	RaisedBy           string   `json:"raised_by"`
	Reason             string   `json:"reason"`
	ResponsibleUserIDs []string `json:"responsible_user_ids,omitempty"`
}

type DisputeResolved struct {
	Outcome            string   `json:"outcome"`
	AdjudicatorID      string   `json:"adjudicator_id"`
	ResponsibleUserIDs []string `json:"responsible_user_ids,omitempty"`
}

type SwapFailed struct {
	Reason             string   `json:"reason"`
	ResponsibleUserIDs []string `json:"responsible_user_ids,omitempty"`
}

type SanctionApplied struct {
	SanctionID  string `json:"sanction_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
	Penalty     int    `json:"penalty"`
	Deactivated bool   `json:"deactivated"`
	Banned      bool   `json:"banned"`
}

type SanctionAppealed struct {
	SanctionID string `json:"sanction_id"`
	UserID     string `json:"user_id"`
	Reason     string `json:"reason"`
}

// TermsRef identifies one version of negotiated deal terms.
type TermsRef struct {
	TermsID string `json:"terms_id"`
	Version int    `json:"version"`
	UserID  string `json:"user_id"`
}

type TermsProposed struct{ TermsRef }
type TermsCountered struct{ TermsRef }
type TermsAccepted struct{ TermsRef }
type TermsRejected struct{ TermsRef }

func (SwapMatched) EventType() EventType      { return TypeSwapMatched }
func (SwapAccepted) EventType() EventType     { return TypeSwapAccepted }
func (FeeCommitted) EventType() EventType     { return TypeFeeCommitted }
func (FeePaid) EventType() EventType          { return TypeFeePaid }
func (ProofSubmitted) EventType() EventType   { return TypeProofSubmitted }
func (ProofVerified) EventType() EventType    { return TypeProofVerified }
func (ProofHeld) EventType() EventType        { return TypeProofHeld }
func (ProofRejected) EventType() EventType    { return TypeProofRejected }
func (SwapCompleted) EventType() EventType    { return TypeSwapCompleted }
func (SwapCancelled) EventType() EventType    { return TypeSwapCancelled }
func (SwapExpired) EventType() EventType      { return TypeSwapExpired }
func (SwapRefunded) EventType() EventType     { return TypeSwapRefunded }
func (GhostFlagged) EventType() EventType     { return TypeGhostFlagged }
func (DeadlineReminder) EventType() EventType { return TypeDeadlineReminder }
func (DisputeOpened) EventType() EventType    { return TypeDisputeOpened }
func (DisputeResolved) EventType() EventType  { return TypeDisputeResolved }
func (SwapFailed) EventType() EventType       { return TypeSwapFailed }
func (SanctionApplied) EventType() EventType  { return TypeSanctionApplied }
func (SanctionAppealed) EventType() EventType { return TypeSanctionAppealed }
func (TermsProposed) EventType() EventType    { return TypeTermsProposed }
func (TermsCountered) EventType() EventType   { return TypeTermsCountered }
func (TermsAccepted) EventType() EventType    { return TypeTermsAccepted }
func (TermsRejected) EventType() EventType    { return TypeTermsRejected }

var registry = map[EventType]func() Payload{
	TypeSwapMatched:      func() Payload { return &SwapMatched{} },
	TypeSwapAccepted:     func() Payload { return &SwapAccepted{} },
	TypeFeeCommitted:     func() Payload { return &FeeCommitted{} },
	TypeFeePaid:          func() Payload { return &FeePaid{} },
	TypeProofSubmitted:   func() Payload { return &ProofSubmitted{} },
	TypeProofVerified:    func() Payload { return &ProofVerified{} },
	TypeProofHeld:        func() Payload { return &ProofHeld{} },
	TypeProofRejected:    func() Payload { return &ProofRejected{} },
	TypeSwapCompleted:    func() Payload { return &SwapCompleted{} },
	TypeSwapCancelled:    func() Payload { return &SwapCancelled{} },
	TypeSwapExpired:      func() Payload { return &SwapExpired{} },
	TypeSwapRefunded:     func() Payload { return &SwapRefunded{} },
	TypeGhostFlagged:     func() Payload { return &GhostFlagged{} },
	TypeDeadlineReminder: func() Payload { return &DeadlineReminder{} },
	TypeDisputeOpened:    func() Payload { return &DisputeOpened{} },
	TypeDisputeResolved:  func() Payload { return &DisputeResolved{} },
	TypeSwapFailed:       func() Payload { return &SwapFailed{} },
	TypeSanctionApplied:  func() Payload { return &SanctionApplied{} },
	TypeSanctionAppealed: func() Payload { return &SanctionAppealed{} },
	TypeTermsProposed:    func() Payload { return &TermsProposed{} },
	TypeTermsCountered:   func() Payload { return &TermsCountered{} },
	TypeTermsAccepted:    func() Payload { return &TermsAccepted{} },
	TypeTermsRejected:    func() Payload { return &TermsRejected{} },
}

// Known reports whether t belongs to the closed set of event types.
func Known(t EventType) bool {
	_, ok := registry[t]
	return ok
}

// Decode rebuilds the typed payload stored for an event of type t.
func Decode(t EventType, raw []byte) (Payload, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("timeline: unknown event type %q", t)
	}
	p := factory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("timeline: decode %s: %w", t, err)
		}
	}
	return p, nil
}
