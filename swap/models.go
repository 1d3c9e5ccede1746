package swap

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusHandshake  Status = "handshake"
	StatusFeePending Status = "fee_pending"
	StatusFeePaid    Status = "fee_paid"
	StatusExecuting  Status = "executing"
	StatusProofing   Status = "proofing"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Side names one half of a swap. Side A owns ListingA and pays ListingB.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

type ProofStatus string

const (
	ProofNone          ProofStatus = "none"
	ProofPendingReview ProofStatus = "pending_review"
	ProofVerified      ProofStatus = "verified"
	ProofRejected      ProofStatus = "rejected"
)

// Hold reasons recorded when a proof needs manual review.
const (
	HoldReusedProof        = "reused_proof"
	HoldVerificationFailed = "verification_failed"
	HoldLowConfidence      = "low_confidence"
)

// Leg is one participant's progress through the swap.
type Leg struct {
	FeePaid          bool        `json:"fee_paid"`
	CommittedAt      *time.Time  `json:"committed_at,omitempty"`
	PaidPartner      bool        `json:"paid_partner"`
	ProofURL         string      `json:"proof_url,omitempty"`
	ProofFingerprint string      `json:"proof_fingerprint,omitempty"`
	ProofStatus      ProofStatus `json:"proof_status"`
	Confidence       float64     `json:"confidence,omitempty"`
	HoldReason       string      `json:"hold_reason,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Submitted reports whether this participant has uploaded proof.
func (l Leg) Submitted() bool { return l.CompletedAt != nil }

type Swap struct {
	ID                 string          `json:"id"`
	ListingA           string          `json:"listing_a"`
	ListingB           string          `json:"listing_b"`
	UserA              string          `json:"user_a"`
	UserB              string          `json:"user_b"`
	AmountA            decimal.Decimal `json:"amount_a"`
	AmountB            decimal.Decimal `json:"amount_b"`
	Status             Status          `json:"status"`
	A                  Leg             `json:"side_a"`
	B                  Leg             `json:"side_b"`
	ExpiresAt          time.Time       `json:"expires_at"`
	GhostedAt          *time.Time      `json:"ghosted_at,omitempty"`
	ReminderSentAt     *time.Time      `json:"reminder_sent_at,omitempty"`
	DisputeReason      string          `json:"dispute_reason,omitempty"`
	ResponsibleUserIDs []string        `json:"responsible_user_ids,omitempty"`
	DisputePenalized   bool            `json:"dispute_penalized"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// SideOf returns the side userID plays in the swap.
func (s *Swap) SideOf(userID string) (Side, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == s.UserA:
		return SideA, true
	case userID == s.UserB:
		return SideB, true
	}
	return "", false
}

func (s *Swap) Leg(side Side) *Leg {
	if side == SideA {
		return &s.A
	}
	return &s.B
}

func (s *Swap) UserOf(side Side) string {
	if side == SideA {
		return s.UserA
	}
	return s.UserB
}

func (s *Swap) ListingOf(side Side) string {
	if side == SideA {
		return s.ListingA
	}
	return s.ListingB
}

// BillPaidBy is the amount side pays: the partner's bill.
func (s *Swap) BillPaidBy(side Side) decimal.Decimal {
	if side == SideA {
		return s.AmountB
	}
	return s.AmountA
}

// OwnBillPaid reports whether side's own bill was paid by the partner and
// the proof was not rejected.
func (s *Swap) OwnBillPaid(side Side) bool {
	partner := s.Leg(side.Other())
	return partner.PaidPartner && partner.ProofStatus != ProofRejected
}

func (s *Swap) BothVerified() bool {
	return s.A.ProofStatus == ProofVerified && s.B.ProofStatus == ProofVerified
}

func (s *Swap) Users() []string {
	return []string{s.UserA, s.UserB}
}

// OpenParams pairs two claimed listings into a new swap.
type OpenParams struct {
	ListingA string
	ListingB string
	UserA    string
	UserB    string
	AmountA  decimal.Decimal
	AmountB  decimal.Decimal
	ActorID  string
}
