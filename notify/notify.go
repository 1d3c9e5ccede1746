// Package notify turns domain happenings into push notification requests
// written to the outbox.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Topic consumed by the push service.
const Topic = "notify.user"

type EventType string

const (
	MatchFound          EventType = "match_found"
	MatchAccepted       EventType = "match_accepted"
	PartnerCommitted    EventType = "partner_committed"
	ExecutionStarted    EventType = "execution_started"
	PartnerPaid         EventType = "partner_paid"
	ProofHeld           EventType = "proof_held_for_review"
	DeadlineApproaching EventType = "deadline_approaching"
	PartnerGhosted      EventType = "partner_ghosted"
	DisputeOpened       EventType = "dispute_opened"
	DisputeResolved     EventType = "dispute_resolved"
	SwapCompleted       EventType = "swap_completed"
	SwapCancelled       EventType = "swap_cancelled"
	SwapExpired         EventType = "swap_expired"
	SwapRefunded        EventType = "swap_refunded"
	Sanctioned          EventType = "sanctioned"
	TermsUpdated        EventType = "terms_updated"
)

// Message is the body published on Topic.
type Message struct {
	UserID    string         `json:"user_id"`
	Event     EventType      `json:"event"`
	SwapID    string         `json:"swap_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error
}

type Notifier struct {
	outbox Enqueuer
	now    func() time.Time
}

func NewNotifier(outbox Enqueuer) *Notifier {
	return &Notifier{outbox: outbox, now: time.Now}
}

func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// NotifyUser queues a notification for userID in tx, so it is only sent if
// the surrounding state change commits.
func (n *Notifier) NotifyUser(ctx context.Context, tx pgx.Tx, userID string, event EventType, swapID string, data map[string]any) error {
	if userID == "" {
		return fmt.Errorf("notify: missing user id for %s", event)
	}
	msg := Message{
		UserID:    userID,
		Event:     event,
		SwapID:    swapID,
		Data:      data,
		CreatedAt: n.now().UTC(),
	}
	if err := n.outbox.Enqueue(ctx, tx, Topic, userID, msg); err != nil {
		return fmt.Errorf("notify: %s for %s: %w", event, userID, err)
	}
	return nil
}
