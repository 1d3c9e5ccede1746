package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"billswap/apperr"
	"billswap/db"
)

// Store appends to and reads swap timelines.
type Store struct {
	pool db.Querier
}

func NewStore(pool db.Querier) *Store {
	return &Store{pool: pool}
}

// Append writes payload as the next event of the swap inside tx. Callers hold
// the swap row lock for the transaction, either through the CAS update or a
// locking read, so seq is max(seq)+1 without gaps. A concurrent writer
// surfaces as ConcurrentModification.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, swapID, actorID string, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("timeline: nil payload")
	}
	t := payload.EventType()
	if !Known(t) {
		return Event{}, fmt.Errorf("timeline: unknown event type %q", t)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("timeline: marshal %s: %w", t, err)
	}

	const query = `
        INSERT INTO events (swap_id, seq, actor_id, event_type, payload)
        SELECT $1, COALESCE(MAX(seq), 0) + 1, NULLIF($2, ''), $3, $4::jsonb
        FROM events WHERE swap_id = $1
        RETURNING id, seq, created_at`

	ev := Event{SwapID: swapID, Type: t, Payload: payload}
	if actorID != "" {
		actor := actorID
		ev.ActorID = &actor
	}
	if err := tx.QueryRow(ctx, query, swapID, actorID, string(t), body).Scan(&ev.ID, &ev.Seq, &ev.CreatedAt); err != nil {
		if db.IsUniqueViolation(err, "") {
			return Event{}, apperr.Wrap(err, apperr.CodeConcurrentModification, "timeline: concurrent append")
		}
		return Event{}, fmt.Errorf("timeline: append %s: %w", t, err)
	}
	return ev, nil
}

// List returns the swap's events in seq order with typed payloads.
func (s *Store) List(ctx context.Context, swapID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, swap_id, seq, actor_id, event_type, payload, created_at
        FROM events
        WHERE swap_id = $1
        ORDER BY seq`, swapID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SwapID, &ev.Seq, &ev.ActorID, &ev.Type, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		ev.Payload, err = Decode(ev.Type, raw)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeIntegrity, "timeline: stored payload does not decode")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return events, nil
}
