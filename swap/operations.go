package swap

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/notify"
	"billswap/timeline"
	"billswap/verify"
)

// Accept moves a requested swap into handshake and restarts the commitment
// window.
func (s *Service) Accept(ctx context.Context, swapID, userID string) (Swap, error) {
	return s.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		side, err := participant(sw, userID)
		if err != nil {
			return Change{}, err
		}
		switch sw.Status {
		case StatusHandshake:
			return Change{}, ErrUnchanged
		case StatusRequested:
		default:
			return Change{}, invalid(sw, "accept")
		}

		sw.ExpiresAt = s.now().Add(s.cfg.CommitWindow)
		sw.ReminderSentAt = nil
		return Change{
			ActorID: userID,
			Steps: []Step{{To: StatusHandshake, Event: timeline.SwapAccepted{
				UserID:    userID,
				ExpiresAt: sw.ExpiresAt,
			}}},
			Notices: []Notice{{
				UserID: sw.UserOf(side.Other()),
				Event:  notify.MatchAccepted,
				Data:   map[string]any{"expires_at": sw.ExpiresAt},
			}},
		}, nil
	})
}

// Commit records userID's platform fee. The first commitment moves the swap
// to fee_pending; the second moves it to fee_paid and opens the execution
// window.
func (s *Service) Commit(ctx context.Context, swapID, userID string) (Swap, error) {
	ok, err := s.deps.Ledger.IsEligible(ctx, userID)
	if err != nil {
		return Swap{}, err
	}
	if !ok {
		return Swap{}, ErrNotEligible
	}

	var window time.Duration
	if s.terms != nil {
		if w, found, err := s.terms.AcceptedExecutionWindow(ctx, swapID); err != nil {
			return Swap{}, err
		} else if found {
			window = w
		}
	}
	if window <= 0 {
		window = s.cfg.ExecutionWindow
	}

	return s.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		side, err := participant(sw, userID)
		if err != nil {
			return Change{}, err
		}
		leg := sw.Leg(side)
		if leg.FeePaid {
			return Change{}, ErrUnchanged
		}

		now := s.now()
		leg.FeePaid = true
		leg.CommittedAt = &now
		sw.ReminderSentAt = nil
		partner := sw.UserOf(side.Other())

		switch sw.Status {
		case StatusRequested, StatusHandshake:
			sw.ExpiresAt = now.Add(s.cfg.CommitWindow)
			return Change{
				ActorID: userID,
				Steps: []Step{{To: StatusFeePending, Event: timeline.FeeCommitted{
					UserID:    userID,
					Side:      string(side),
					ExpiresAt: sw.ExpiresAt,
				}}},
				Notices: []Notice{{
					UserID: partner,
					Event:  notify.PartnerCommitted,
					Data:   map[string]any{"expires_at": sw.ExpiresAt},
				}},
			}, nil
		case StatusFeePending:
			sw.ExpiresAt = now.Add(window)
			data := map[string]any{"expires_at": sw.ExpiresAt}
			return Change{
				ActorID: userID,
				Steps: []Step{{To: StatusFeePaid, Event: timeline.FeePaid{
					UserID:    userID,
					Side:      string(side),
					ExpiresAt: sw.ExpiresAt,
				}}},
				Notices: []Notice{
					{UserID: sw.UserA, Event: notify.ExecutionStarted, Data: data},
					{UserID: sw.UserB, Event: notify.ExecutionStarted, Data: data},
				},
			}, nil
		}
		return Change{}, invalid(sw, "commit")
	})
}

type SubmitProofParams struct {
	SwapID string
	UserID string
	Image  []byte
}

// SubmitProof uploads and verifies a payment screenshot, then records it
// against the version of the swap read before verification started.
func (s *Service) SubmitProof(ctx context.Context, p SubmitProofParams) (Swap, error) {
	if len(p.Image) == 0 {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: proof image is empty")
	}
	sw, err := s.repo.Get(ctx, p.SwapID)
	if err != nil {
		return Swap{}, err
	}
	side, err := participant(&sw, p.UserID)
	if err != nil {
		return Swap{}, err
	}
	if sw.Leg(side).Submitted() {
		return sw, nil
	}
	if sw.Status != StatusFeePaid && sw.Status != StatusExecuting {
		return Swap{}, invalid(&sw, "submit proof")
	}

	fingerprint := verify.Fingerprint(p.Image)
	reused, err := s.repo.FingerprintSeen(ctx, fingerprint, sw.ID)
	if err != nil {
		return Swap{}, err
	}

	partnerListing, err := s.deps.Listings.Get(ctx, sw.ListingOf(side.Other()))
	if err != nil {
		return Swap{}, err
	}

	url, err := s.deps.Uploader.UploadProof(ctx, p.Image)
	if err != nil {
		return Swap{}, err
	}
	result, err := s.deps.Verifier.VerifyScreenshot(ctx, verify.Request{
		Image:            p.Image,
		ExpectedAmount:   sw.BillPaidBy(side),
		ExpectedProvider: partnerListing.Category,
		SwapID:           sw.ID,
	})
	if err != nil {
		return Swap{}, err
	}

	proofStatus, hold := s.judge(result, reused)

	return s.Mutate(ctx, sw.ID, sw.Version, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		leg := sw.Leg(side)
		if leg.Submitted() {
			return Change{}, ErrUnchanged
		}

		now := s.now()
		leg.PaidPartner = true
		leg.ProofURL = url
		leg.ProofFingerprint = fingerprint
		leg.ProofStatus = proofStatus
		leg.Confidence = result.Confidence
		leg.HoldReason = hold
		leg.CompletedAt = &now

		submitted := timeline.ProofSubmitted{
			UserID:      p.UserID,
			Side:        string(side),
			ProofURL:    url,
			Fingerprint: fingerprint,
			ProofStatus: string(proofStatus),
			Confidence:  result.Confidence,
			HoldReason:  hold,
		}
		ch := Change{ActorID: p.UserID}
		partner := sw.UserOf(side.Other())

		switch sw.Status {
		case StatusFeePaid:
			ch.Steps = append(ch.Steps, Step{To: StatusExecuting, Event: submitted})
		case StatusExecuting:
			ch.Steps = append(ch.Steps, Step{To: StatusProofing, Event: submitted})
			if sw.BothVerified() {
				ch.Steps = append(ch.Steps, Step{To: StatusCompleted, Event: timeline.SwapCompleted{CompletedBy: p.UserID}})
			}
		default:
			return Change{}, invalid(sw, "submit proof")
		}

		ch.Notices = append(ch.Notices, Notice{
			UserID: partner,
			Event:  notify.PartnerPaid,
			Data:   map[string]any{"proof_status": string(proofStatus)},
		})
		if hold != "" {
			ch.Events = append(ch.Events, timeline.ProofHeld{
				Side:       string(side),
				Reason:     hold,
				Confidence: result.Confidence,
			})
			ch.Notices = append(ch.Notices, Notice{
				UserID: p.UserID,
				Event:  notify.ProofHeld,
				Data:   map[string]any{"reason": hold},
			})
		}
		if len(ch.Steps) > 0 && ch.Steps[len(ch.Steps)-1].To == StatusCompleted {
			ch.Notices = append(ch.Notices, completedNotices(sw)...)
		}
		return ch, nil
	})
}

// judge maps a verification result to a proof status. Failed or uncertain
// verification is held for review rather than failing the swap.
func (s *Service) judge(result verify.Result, reused bool) (ProofStatus, string) {
	switch {
	case reused:
		return ProofPendingReview, HoldReusedProof
	case !result.Passed:
		return ProofPendingReview, HoldVerificationFailed
	case result.Confidence < s.cfg.MinConfidence:
		return ProofPendingReview, HoldLowConfidence
	}
	return ProofVerified, ""
}

// Rejection reasons accepted by ReviewProof.
const (
	RejectFakeReceipt = "fake_receipt"
	RejectWrongAmount = "wrong_amount"
	RejectUnreadable  = "unreadable"
)

type ReviewParams struct {
	SwapID     string
	ReviewerID string
	Side       Side
	Approve    bool
	Reason     string
}

// ReviewProof settles a proof held for review. Approval completes a swap
// whose other proof is already verified; rejection makes the proof's owner
// responsible and disputes the swap, or fails it outright for a fake receipt
// once both proofs are in.
func (s *Service) ReviewProof(ctx context.Context, p ReviewParams) (Swap, error) {
	if p.Side != SideA && p.Side != SideB {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: unknown side %q", p.Side)
	}
	if !p.Approve && strings.TrimSpace(p.Reason) == "" {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: rejection needs a reason")
	}

	return s.Mutate(ctx, p.SwapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		if sw.Status.Terminal() {
			return Change{}, invalid(sw, "review proof")
		}
		if _, isParticipant := sw.SideOf(p.ReviewerID); isParticipant {
			return Change{}, apperr.New(apperr.CodeForbidden, "swap: participants cannot review their own swap")
		}
		leg := sw.Leg(p.Side)
		if leg.ProofStatus != ProofPendingReview {
			return Change{}, apperr.New(apperr.CodeInvalidTransition, "swap: proof on side %s is %s", p.Side, leg.ProofStatus)
		}

		ch := Change{ActorID: p.ReviewerID}
		owner := sw.UserOf(p.Side)

		if p.Approve {
			leg.ProofStatus = ProofVerified
			leg.HoldReason = ""
			ch.Lead = append(ch.Lead, timeline.ProofVerified{Side: string(p.Side), ReviewerID: p.ReviewerID})
			if sw.Status == StatusProofing && sw.BothVerified() {
				ch.Steps = append(ch.Steps, Step{To: StatusCompleted, Event: timeline.SwapCompleted{CompletedBy: p.ReviewerID}})
				ch.Notices = append(ch.Notices, completedNotices(sw)...)
			}
			return ch, nil
		}

		leg.ProofStatus = ProofRejected
		ch.Lead = append(ch.Lead, timeline.ProofRejected{Side: string(p.Side), Reason: p.Reason, ReviewerID: p.ReviewerID})
		if sw.Status == StatusDisputed {
			return ch, nil
		}

		sw.ResponsibleUserIDs = []string{owner}
		sw.DisputeReason = p.Reason
		if p.Reason == RejectFakeReceipt {
			ch.Sanctions = append(ch.Sanctions, SanctionRequest{
				UserID:       owner,
				Reason:       RejectFakeReceipt,
				UnpaidAmount: sw.BillPaidBy(p.Side),
			})
		}

		if p.Reason == RejectFakeReceipt && sw.Status == StatusProofing {
			ch.Steps = append(ch.Steps, Step{To: StatusFailed, Event: timeline.SwapFailed{
				Reason:             p.Reason,
				ResponsibleUserIDs: sw.ResponsibleUserIDs,
			}})
			for _, u := range sw.Users() {
				ch.Notices = append(ch.Notices, Notice{UserID: u, Event: notify.DisputeResolved, Data: map[string]any{
					"outcome": string(StatusFailed),
					"reason":  p.Reason,
				}})
			}
			return ch, nil
		}

		ch.Steps = append(ch.Steps, Step{To: StatusDisputed, Event: timeline.DisputeOpened{
			RaisedBy:           p.ReviewerID,
			Reason:             p.Reason,
			ResponsibleUserIDs: sw.ResponsibleUserIDs,
		}})
		ch.Notices = append(ch.Notices, disputeNotices(sw, p.Reason)...)
		return ch, nil
	})
}

// FlagDispute lets a participant escalate a swap in execution to an
// adjudicator. Nobody is held responsible until the dispute is resolved.
func (s *Service) FlagDispute(ctx context.Context, swapID, userID, reason string) (Swap, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Swap{}, apperr.New(apperr.CodeInvalidInput, "swap: dispute needs a reason")
	}
	return s.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		if _, err := participant(sw, userID); err != nil {
			return Change{}, err
		}
		switch sw.Status {
		case StatusDisputed:
			return Change{}, ErrUnchanged
		case StatusFeePaid, StatusExecuting, StatusProofing:
		default:
			return Change{}, invalid(sw, "dispute")
		}
		sw.DisputeReason = reason
		return Change{
			ActorID: userID,
			Steps: []Step{{To: StatusDisputed, Event: timeline.DisputeOpened{
				RaisedBy: userID,
				Reason:   reason,
			}}},
			Notices: disputeNotices(sw, reason),
		}, nil
	})
}

// Cancel withdraws from a swap before any fee is committed.
func (s *Service) Cancel(ctx context.Context, swapID, userID, reason string) (Swap, error) {
	return s.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		side, err := participant(sw, userID)
		if err != nil {
			return Change{}, err
		}
		switch sw.Status {
		case StatusCancelled:
			return Change{}, ErrUnchanged
		case StatusRequested, StatusHandshake:
		default:
			return Change{}, invalid(sw, "cancel")
		}
		if sw.A.FeePaid || sw.B.FeePaid {
			return Change{}, invalid(sw, "cancel after a fee was committed")
		}
		return Change{
			ActorID: userID,
			Steps: []Step{{To: StatusCancelled, Event: timeline.SwapCancelled{
				UserID: userID,
				Reason: reason,
			}}},
			Notices: []Notice{{
				UserID: sw.UserOf(side.Other()),
				Event:  notify.SwapCancelled,
				Data:   map[string]any{"reason": reason},
			}},
		}, nil
	})
}

func completedNotices(sw *Swap) []Notice {
	out := make([]Notice, 0, 2)
	for _, u := range sw.Users() {
		out = append(out, Notice{UserID: u, Event: notify.SwapCompleted})
	}
	return out
}

func disputeNotices(sw *Swap, reason string) []Notice {
	out := make([]Notice, 0, 2)
	for _, u := range sw.Users() {
		out = append(out, Notice{UserID: u, Event: notify.DisputeOpened, Data: map[string]any{"reason": reason}})
	}
	return out
}
