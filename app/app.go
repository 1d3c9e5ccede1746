// Package app assembles the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"billswap/auth"
	"billswap/config"
	"billswap/db"
	"billswap/escalation"
	"billswap/listing"
	"billswap/match"
	"billswap/notify"
	"billswap/outbox"
	"billswap/swap"
	"billswap/sweep"
	"billswap/terms"
	"billswap/timeline"
	"billswap/trust"
	"billswap/verify"
)

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Auth       *auth.Service
	Trust      *trust.Service
	Listings   *listing.Service
	Matcher    *match.Service
	Swaps      *swap.Service
	Terms      *terms.Service
	Escalation *escalation.Engine
	Sweeper    *sweep.Sweeper
}

// Build opens the pool and the optional redis client and wires every service.
// Close releases both.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.DB.DSN, db.PoolOptions{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without cache and lease", "error", err)
			_ = rdb.Close()
			rdb = nil
		}
	}

	return Assemble(cfg, logger, pool, rdb, External{
		Verifier: verify.NewHTTPVerifier(cfg.Verification.Endpoint, cfg.VerificationTimeout(), cfg.Verification.MaxAttempts),
		Uploader: verify.NewHTTPUploader(cfg.Verification.UploadEndpoint, cfg.VerificationTimeout()),
	}), nil
}

// External holds the collaborators outside the database. A nil Now means
// time.Now.
type External struct {
	Verifier verify.Verifier
	Uploader verify.Uploader
	Now      func() time.Time
}

// Assemble wires every service over an open pool. rdb may be nil.
func Assemble(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, ext External) *App {
	a := &App{Config: cfg, Logger: logger, Pool: pool, Redis: rdb}
	now := ext.Now
	if now == nil {
		now = time.Now
	}

	a.Auth = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	a.Trust = trust.NewService(a.Pool, trust.NewRepository(a.Pool)).WithClock(now).WithLogger(a.Logger)
	if a.Redis != nil {
		a.Trust.WithCache(trust.NewRedisCache(a.Redis, cfg.TrustCacheTTL()))
	}

	listingRepo := listing.NewRepository(a.Pool)
	a.Listings = listing.NewService(a.Pool, listingRepo, a.Trust).WithClock(now).WithLogger(a.Logger)

	events := timeline.NewStore(a.Pool)
	notifier := notify.NewNotifier(outbox.NewWriter()).WithClock(now)

	a.Swaps = swap.NewService(a.Pool, swap.NewRepository(a.Pool), swap.Deps{
		Listings: listingRepo,
		Ledger:   a.Trust,
		Timeline: events,
		Notifier: notifier,
		Verifier: ext.Verifier,
		Uploader: ext.Uploader,
	}, swap.Config{
		CommitWindow:    cfg.CommitWindow(),
		ExecutionWindow: cfg.ExecutionWindow(),
		ReminderLead:    cfg.ReminderLead(),
		MinConfidence:   cfg.Verification.MinConfidence,
	}).WithClock(now).WithLogger(a.Logger)

	a.Terms = terms.NewService(a.Pool, terms.NewRepository(a.Pool), swap.NewRepository(a.Pool), events, notifier).
		WithClock(now).
		WithLogger(a.Logger)

	a.Escalation = escalation.NewEngine(a.Pool, escalation.NewRepository(a.Pool), a.Trust, events, notifier).
		WithSwaps(a.Swaps).
		WithClock(now).
		WithLogger(a.Logger)

	a.Swaps.WithSanctioner(a.Escalation).WithTerms(a.Terms)

	a.Matcher = match.NewService(a.Pool, listingRepo, a.Trust, a.Swaps, match.Options{
		AmountTolerancePercent: cfg.Matching.AmountTolerancePercent,
		DueDateWindow:          cfg.DueDateWindow(),
		CandidateLimit:         cfg.Matching.CandidateLimit,
	}).WithLogger(a.Logger)

	a.Sweeper = sweep.New(a.Swaps, cfg.Worker.SweepBatchSize).WithClock(now).WithLogger(a.Logger)
	if a.Redis != nil {
		a.Sweeper.WithLease(sweep.NewRedisLease(a.Redis), cfg.LeaseTTL())
	}
	return a
}

// Relay builds the outbox relay. Without brokers messages are logged instead
// of published.
func (a *App) Relay() (*outbox.Relay, func(), error) {
	cfg := a.Config
	var (
		publisher outbox.Publisher
		closeFn   = func() {}
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, nil, err
		}
		publisher = kp
		closeFn = kp.Close
	} else {
		a.Logger.Warn("no kafka brokers configured, outbox messages will only be logged")
		publisher = outbox.NewLogPublisher(a.Logger)
	}
	relay := outbox.NewRelay(a.Pool, outbox.NewStore(), publisher, cfg.Worker.OutboxBatchSize, cfg.Worker.OutboxMaxAttempts).
		WithLogger(a.Logger)
	return relay, closeFn, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}
