package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"billswap/db/dbtest"
)

func TestRelayPublishesAndMarksProcessed(t *testing.T) {
	pool := &dbtest.Pool{}
	store := &fakeStore{pending: []Message{
		{ID: 1, Topic: "notify.user", Key: "u1", Payload: []byte(`{"a":1}`)},
		{ID: 2, Topic: "swap.events", Key: "s1", Payload: []byte(`{"b":2}`)},
	}}
	pub := &fakePublisher{}
	relay := NewRelay(pool, store, pub, 10, 3)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 || len(pub.sent) != 2 || pub.sent[0] != "notify.user/u1" {
		t.Fatalf("unexpected publish result n=%d sent=%v", n, pub.sent)
	}
	if len(store.processed) != 2 {
		t.Fatalf("expected both messages processed, got %v", store.processed)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected relay transaction to commit")
	}
}

func TestRelayRetriesThenDeadLetters(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: 7, Topic: "notify.user", Attempts: 0},
		{ID: 8, Topic: "notify.user", Attempts: 2},
	}}
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	relay := NewRelay(&dbtest.Pool{}, store, pub, 10, 3)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("publish failures must not abort the batch: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing published, got %d", n)
	}
	if len(store.failed) != 2 {
		t.Fatalf("expected two failures recorded, got %v", store.failed)
	}
	if store.failed[7] {
		t.Fatalf("expected message 7 to stay pending")
	}
	if !store.failed[8] {
		t.Fatalf("expected message 8 to be dead after reaching max attempts")
	}
}

func TestRelayClaimErrorRollsBack(t *testing.T) {
	pool := &dbtest.Pool{}
	store := &fakeStore{claimErr: errors.New("db gone")}
	relay := NewRelay(pool, store, &fakePublisher{}, 10, 3)

	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error")
	}
	if pool.Last().Committed || !pool.Last().Rolled {
		t.Fatalf("expected rollback on claim error")
	}
}

type fakeStore struct {
	pending   []Message
	claimErr  error
	processed []int64
	failed    map[int64]bool
}

func (f *fakeStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.pending, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, lastErr string, dead bool) error {
	if f.failed == nil {
		f.failed = map[int64]bool{}
	}
	f.failed[id] = dead
	return nil
}

type fakePublisher struct {
	sent []string
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, topic+"/"+key)
	return nil
}
