package notify

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"billswap/db/dbtest"
)

func TestNotifyUserEnqueuesKeyedByUser(t *testing.T) {
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	out := &fakeOutbox{}
	n := NewNotifier(out).WithClock(func() time.Time { return now })

	err := n.NotifyUser(context.Background(), &dbtest.Tx{}, "u1", MatchFound, "s1", map[string]any{"amount": "20.00"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(out.calls) != 1 {
		t.Fatalf("expected one outbox write, got %d", len(out.calls))
	}
	call := out.calls[0]
	if call.topic != Topic || call.key != "u1" {
		t.Fatalf("unexpected routing %s/%s", call.topic, call.key)
	}
	msg := call.payload.(Message)
	if msg.Event != MatchFound || msg.SwapID != "s1" || !msg.CreatedAt.Equal(now) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestNotifyUserRequiresUser(t *testing.T) {
	n := NewNotifier(&fakeOutbox{})
	if err := n.NotifyUser(context.Background(), &dbtest.Tx{}, "", MatchFound, "s1", nil); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

type outboxCall struct {
	topic, key string
	payload    any
}

type fakeOutbox struct {
	calls []outboxCall
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error {
	f.calls = append(f.calls, outboxCall{topic, key, payload})
	return nil
}
