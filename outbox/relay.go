package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	"billswap/db"
	"billswap/logging"
	"billswap/metrics"
)

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Relay drains pending outbox rows into a Publisher. Delivery is at least
// once: a crash between publish and commit republishes the batch.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher, batchSize, maxAttempts int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logging.Discard(),
	}
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	r.logger = logger
	return r
}

// RunOnce relays a single batch and reports how many messages were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		msgs, err := r.store.ClaimPending(ctx, tx, r.batchSize)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := r.publisher.Publish(ctx, m.Topic, m.Key, m.Payload); err != nil {
				dead := m.Attempts+1 >= r.maxAttempts
				r.logger.Warn("outbox publish failed",
					"id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "dead", dead, "error", err)
				if err := r.store.MarkFailed(ctx, tx, m.ID, err.Error(), dead); err != nil {
					return err
				}
				if dead {
					metrics.OutboxResult(m.Topic, StatusDead)
				} else {
					metrics.OutboxResult(m.Topic, "retry")
				}
				continue
			}
			if err := r.store.MarkProcessed(ctx, tx, m.ID); err != nil {
				return err
			}
			metrics.OutboxResult(m.Topic, StatusProcessed)
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

// Run relays batches every interval until ctx is cancelled. A full batch is
// followed immediately by another pass.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay pass failed", "error", err)
		}
		if err == nil && n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// KafkaPublisher produces outbox messages with franz-go.
type KafkaPublisher struct {
	client *kgo.Client
}

func NewKafkaPublisher(brokers []string, clientID string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: kafka client: %w", err)
	}
	return &KafkaPublisher{client: client}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	rec := &kgo.Record{Topic: topic, Value: payload}
	if key != "" {
		rec.Key = []byte(key)
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("outbox: produce %s: %w", topic, err)
	}
	return nil
}

// Ping checks that at least one broker is reachable.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// LogPublisher writes messages to the logger. The worker uses it when no
// brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.logger.Info("outbox message", "topic", topic, "key", key, "payload", string(payload))
	return nil
}
