// Package outbox stores messages in the caller's transaction and relays them
// to Kafka after commit.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one pending outbox row.
type Message struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues messages inside an existing transaction.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

// Enqueue writes payload for topic. key selects the Kafka partition; it is
// usually the swap or user id so per-entity ordering is kept.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (topic, msg_key, payload) VALUES ($1, $2, $3::jsonb)`,
		topic, key, body,
	); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	return nil
}

// Store is the relay's view of the outbox table.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, lastErr string, dead bool) error
}

type PGStore struct{}

func NewStore() *PGStore { return &PGStore{} }

// ClaimPending locks up to limit pending rows. SKIP LOCKED lets several
// relays drain the table without blocking on each other.
func (s *PGStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id, topic, msg_key, payload, attempts, created_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET status = 'processed', attempts = attempts + 1, processed_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("outbox: mark processed %d: %w", id, err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET status = $2, attempts = attempts + 1, last_error = $3 WHERE id = $1`,
		id, status, lastErr,
	); err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

var _ Store = (*PGStore)(nil)
