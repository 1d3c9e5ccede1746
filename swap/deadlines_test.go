package swap_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"billswap/listing"
	"billswap/notify"
	"billswap/swap"
	"billswap/timeline"
)

func sweep(t *testing.T, h *harness, at time.Time) swap.SweepAction {
	t.Helper()
	action, err := h.svc.SweepSwap(context.Background(), "s-1", at)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return action
}

func TestSweepExpiresUncommittedSwap(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	if got := sweep(t, h, t0.Add(25*time.Hour)); got != swap.SweepExpired {
		t.Fatalf("expected expired, got %q", got)
	}
	sw, _ := h.repo.Get(context.Background(), "s-1")
	if sw.Status != swap.StatusExpired {
		t.Fatalf("expected expired status, got %s", sw.Status)
	}
	if h.listings.Status("la") != listing.StatusUnmatched {
		t.Fatalf("expected listing back in the pool")
	}
	if got := sweep(t, h, t0.Add(26*time.Hour)); got != swap.SweepNone {
		t.Fatalf("expected second pass to do nothing, got %q", got)
	}
}

func TestSweepRefundsHalfCommittedSwap(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	if _, err := h.svc.Commit(context.Background(), "s-1", "alice"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := sweep(t, h, t0.Add(25*time.Hour)); got != swap.SweepRefunded {
		t.Fatalf("expected refunded, got %q", got)
	}
	if len(h.sanctioner.Requests) != 1 {
		t.Fatalf("expected one sanction, got %+v", h.sanctioner.Requests)
	}
	req := h.sanctioner.Requests[0]
	if req.UserID != "bob" || req.Reason != swap.AbandonedConnection {
		t.Fatalf("unexpected sanction %+v", req)
	}
	if len(h.ledger.Disputes) != 0 {
		t.Fatalf("abandonment has no tier effect")
	}

	events, _ := h.timeline.List(context.Background(), "s-1")
	var refunded *timeline.SwapRefunded
	for _, ev := range events {
		if p, ok := ev.Payload.(timeline.SwapRefunded); ok {
			refunded = &p
		}
	}
	if refunded == nil || !reflect.DeepEqual(refunded.RefundedUserIDs, []string{"alice"}) || refunded.AbandonedUserID != "bob" {
		t.Fatalf("unexpected refund event %+v", refunded)
	}
}

func TestSweepFlagsGhostOnce(t *testing.T) {
	h := newHarness(t)
	h.feePaid(t)
	h.submit(t, "alice", "alice-receipt")

	late := t0.Add(25 * time.Hour)
	if got := sweep(t, h, late); got != swap.SweepGhosted {
		t.Fatalf("expected ghosted, got %q", got)
	}
	sw, _ := h.repo.Get(context.Background(), "s-1")
	if sw.GhostedAt == nil || sw.Status != swap.StatusExecuting {
		t.Fatalf("expected ghost flag without a transition, got %+v", sw)
	}
	if h.notifier.Count("alice", notify.PartnerGhosted) != 1 {
		t.Fatalf("expected alice to be told bob ghosted")
	}
	if got := sweep(t, h, late.Add(time.Hour)); got != swap.SweepNone {
		t.Fatalf("expected ghost flag to be set once, got %q", got)
	}
	if h.notifier.Count("alice", notify.PartnerGhosted) != 1 {
		t.Fatalf("expected a single ghost notification")
	}
}

func TestSweepRemindsOnceInsideLead(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	if got := sweep(t, h, t0.Add(20*time.Hour)); got != swap.SweepNone {
		t.Fatalf("too early for a reminder, got %q", got)
	}
	if got := sweep(t, h, t0.Add(23*time.Hour)); got != swap.SweepReminded {
		t.Fatalf("expected reminder, got %q", got)
	}
	if got := sweep(t, h, t0.Add(23*time.Hour+30*time.Minute)); got != swap.SweepNone {
		t.Fatalf("expected a single reminder, got %q", got)
	}
	if h.notifier.Count("alice", notify.DeadlineApproaching) != 1 || h.notifier.Count("bob", notify.DeadlineApproaching) != 1 {
		t.Fatalf("expected one reminder each, got %+v", h.notifier.Sent)
	}
}

func TestSweepNeverCompletesUncommittedSwap(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	sweep(t, h, t0.Add(48*time.Hour))
	sw, _ := h.repo.Get(context.Background(), "s-1")
	if sw.Status == swap.StatusCompleted || h.ledger.Successes["alice"] != 0 {
		t.Fatalf("deadline must never complete a swap")
	}
}

func TestSweepCandidates(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	ids, err := h.svc.SweepCandidates(context.Background(), t0.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("nothing due yet, got %v", ids)
	}
	ids, _ = h.svc.SweepCandidates(context.Background(), t0.Add(23*time.Hour), 10)
	if !reflect.DeepEqual(ids, []string{"s-1"}) {
		t.Fatalf("expected reminder candidate, got %v", ids)
	}
}
