package swap

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/notify"
	"billswap/timeline"
)

// SweepAction is what a deadline pass did to one swap.
type SweepAction string

const (
	SweepNone     SweepAction = ""
	SweepExpired  SweepAction = "expired"
	SweepRefunded SweepAction = "refunded"
	SweepGhosted  SweepAction = "ghosted"
	SweepReminded SweepAction = "reminded"
)

// AbandonedConnection is the sanction reason for a participant who never
// committed their fee.
const AbandonedConnection = "abandoned_connection"

// SweepCandidates lists swaps whose deadline has passed or is close enough
// for a reminder.
func (s *Service) SweepCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.repo.ListSweepable(ctx, now, now.Add(s.cfg.ReminderLead), limit)
}

// SweepSwap enforces the deadline of one swap as of now. It is safe to run
// repeatedly: each action is recorded on the swap and never repeated.
func (s *Service) SweepSwap(ctx context.Context, swapID string, now time.Time) (SweepAction, error) {
	action := SweepNone
	_, err := s.Mutate(ctx, swapID, 0, func(ctx context.Context, tx pgx.Tx, sw *Swap) (Change, error) {
		if sw.Status.Terminal() || !sw.Status.Active() {
			return Change{}, ErrUnchanged
		}

		if !now.After(sw.ExpiresAt) {
			if sw.ReminderSentAt != nil || sw.ExpiresAt.Sub(now) > s.cfg.ReminderLead {
				return Change{}, ErrUnchanged
			}
			sw.ReminderSentAt = &now
			action = SweepReminded
			return s.reminder(sw), nil
		}

		switch sw.Status {
		case StatusRequested, StatusHandshake:
			action = SweepExpired
			ch := Change{Steps: []Step{{To: StatusExpired, Event: timeline.SwapExpired{From: string(sw.Status)}}}}
			for _, u := range sw.Users() {
				ch.Notices = append(ch.Notices, Notice{UserID: u, Event: notify.SwapExpired})
			}
			return ch, nil

		case StatusFeePending:
			action = SweepRefunded
			return s.refund(sw), nil

		case StatusFeePaid, StatusExecuting:
			if sw.GhostedAt != nil {
				return Change{}, ErrUnchanged
			}
			sw.GhostedAt = &now
			action = SweepGhosted
			return s.ghostFlag(sw), nil
		}
		return Change{}, ErrUnchanged
	})
	if err != nil {
		return SweepNone, err
	}
	return action, nil
}

func (s *Service) reminder(sw *Swap) Change {
	ch := Change{Events: []timeline.Payload{timeline.DeadlineReminder{
		ExpiresAt: sw.ExpiresAt,
		Status:    string(sw.Status),
	}}}
	for _, side := range []Side{SideA, SideB} {
		if waitingOn(sw, side) {
			ch.Notices = append(ch.Notices, Notice{
				UserID: sw.UserOf(side),
				Event:  notify.DeadlineApproaching,
				Data:   map[string]any{"expires_at": sw.ExpiresAt, "status": string(sw.Status)},
			})
		}
	}
	return ch
}

// refund closes a half-committed swap. The committed side gets its fee back
// and the other side takes a standalone abandonment sanction.
func (s *Service) refund(sw *Swap) Change {
	var refunded []string
	var abandoned string
	for _, side := range []Side{SideA, SideB} {
		if sw.Leg(side).FeePaid {
			refunded = append(refunded, sw.UserOf(side))
		} else {
			abandoned = sw.UserOf(side)
		}
	}

	ch := Change{Steps: []Step{{To: StatusRefunded, Event: timeline.SwapRefunded{
		RefundedUserIDs: refunded,
		AbandonedUserID: abandoned,
	}}}}
	for _, u := range sw.Users() {
		ch.Notices = append(ch.Notices, Notice{UserID: u, Event: notify.SwapRefunded})
	}
	if abandoned != "" {
		ch.Sanctions = append(ch.Sanctions, SanctionRequest{UserID: abandoned, Reason: AbandonedConnection})
	}
	return ch
}

func (s *Service) ghostFlag(sw *Swap) Change {
	var pending []string
	var ch Change
	for _, side := range []Side{SideA, SideB} {
		user := sw.UserOf(side)
		if sw.Leg(side).Submitted() {
			ch.Notices = append(ch.Notices, Notice{
				UserID: user,
				Event:  notify.PartnerGhosted,
				Data:   map[string]any{"deadline": sw.ExpiresAt},
			})
			continue
		}
		pending = append(pending, user)
		ch.Notices = append(ch.Notices, Notice{
			UserID: user,
			Event:  notify.DeadlineApproaching,
			Data:   map[string]any{"expires_at": sw.ExpiresAt, "overdue": true},
		})
	}
	ch.Events = []timeline.Payload{timeline.GhostFlagged{PendingUserIDs: pending, Deadline: sw.ExpiresAt}}
	return ch
}

// waitingOn reports whether the swap is blocked on side's next action.
func waitingOn(sw *Swap, side Side) bool {
	leg := sw.Leg(side)
	switch sw.Status {
	case StatusRequested, StatusHandshake, StatusFeePending:
		return !leg.FeePaid
	case StatusFeePaid, StatusExecuting:
		return !leg.Submitted()
	}
	return false
}

// IsStale reports whether err is a lost compare-and-swap race.
func IsStale(err error) bool {
	return errors.Is(err, apperr.ErrConcurrentModification)
}
