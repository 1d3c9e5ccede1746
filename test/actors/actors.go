// Package actors drives the service graph concurrently for the stress run.
// Every actor swallows the errors contention is expected to produce and
// stops only on an integrity failure.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/escalation"
	"billswap/listing"
	"billswap/outbox"
	"billswap/swap"
	"billswap/test/infra"
)

var categories = []string{"electric", "gas", "water", "phone", "internet"}

// tolerate keeps an actor running through everything but broken invariants.
func tolerate(op string, err error) error {
	if err == nil || apperr.CodeOf(err) != apperr.CodeIntegrity {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Lister creates tier-one sized listings for random users.
func Lister(ctx context.Context, st *infra.Stack, rng *rand.Rand, users []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		cents := 1000 + rng.Intn(1400)
		_, err := st.Listings.CreateListing(ctx, listing.CreateParams{
			OwnerID:  users[rng.Intn(len(users))],
			Amount:   decimal.New(int64(cents), -2),
			Category: categories[rng.Intn(len(categories))],
			DueDate:  st.Clock.Now().AddDate(0, 0, 1+rng.Intn(10)),
		})
		if err := tolerate("create listing", err); err != nil {
			return err
		}
		pause(rng, 20, 40)
	}
	return nil
}

// Matcher matches random unmatched listings on behalf of their owners.
func Matcher(ctx context.Context, st *infra.Stack, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, owner string
		err := pool.QueryRow(ctx, `SELECT id::text, owner_id FROM listings
                                   WHERE status = 'unmatched' ORDER BY random() LIMIT 1`).Scan(&id, &owner)
		if err == nil {
			_, err = st.Matcher.Match(ctx, id, owner)
			if err := tolerate("match", err); err != nil {
				return err
			}
		}
		pause(rng, 15, 30)
	}
	return nil
}

// Driver pushes open swaps forward the way participants would, with the
// occasional cancellation or dispute.
func Driver(ctx context.Context, st *infra.Stack, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, userA, userB string
		err := pool.QueryRow(ctx, `SELECT id::text, user_a, user_b FROM swaps
                                   WHERE status IN ('requested','handshake','fee_pending','fee_paid','executing')
                                   ORDER BY random() LIMIT 1`).Scan(&id, &userA, &userB)
		if err != nil {
			pause(rng, 20, 20)
			continue
		}
		user := userA
		if rng.Intn(2) == 0 {
			user = userB
		}

		op := "accept"
		switch n := rng.Intn(100); {
		case n < 20:
			_, err = st.Swaps.Accept(ctx, id, user)
		case n < 55:
			op = "commit"
			_, err = st.Swaps.Commit(ctx, id, user)
		case n < 92:
			op = "proof"
			_, err = st.Swaps.SubmitProof(ctx, swap.SubmitProofParams{
				SwapID: id,
				UserID: user,
				Image:  []byte(fmt.Sprintf("receipt:%s:%s:%d", id, user, rng.Int63())),
			})
		case n < 96:
			op = "cancel"
			_, err = st.Swaps.Cancel(ctx, id, user, "changed my mind")
		default:
			op = "dispute"
			_, err = st.Swaps.FlagDispute(ctx, id, user, "partner went quiet")
		}
		if err := tolerate(op, err); err != nil {
			return err
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Sweeper runs deadline sweeps from a stack whose clock is ahead of the
// drivers', so requests expire and executing swaps get ghost-flagged.
func Sweeper(ctx context.Context, future *infra.Stack, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := future.Sweeper.Run(ctx)
		if err := tolerate("sweep", err); err != nil {
			return err
		}
		pause(rng, 800, 700)
	}
	return nil
}

// GhostReporter reports ghost-flagged swaps on behalf of a random participant.
func GhostReporter(ctx context.Context, future *infra.Stack, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, userA, userB string
		err := pool.QueryRow(ctx, `SELECT id::text, user_a, user_b FROM swaps
                                   WHERE status = 'executing' AND ghosted_at IS NOT NULL
                                   ORDER BY random() LIMIT 1`).Scan(&id, &userA, &userB)
		if err == nil {
			reporter := userA
			if rng.Intn(2) == 0 {
				reporter = userB
			}
			_, err = future.Escalation.ReportGhost(ctx, id, reporter)
			if err := tolerate("report ghost", err); err != nil {
				return err
			}
		}
		pause(rng, 100, 150)
	}
	return nil
}

// Judge resolves disputed swaps with a random outcome.
func Judge(ctx context.Context, future *infra.Stack, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, userA, userB string
		err := pool.QueryRow(ctx, `SELECT id::text, user_a, user_b FROM swaps
                                   WHERE status = 'disputed' ORDER BY random() LIMIT 1`).Scan(&id, &userA, &userB)
		if err == nil {
			p := escalation.ResolveParams{SwapID: id, Outcome: swap.StatusCompleted, AdjudicatorID: "stress-judge"}
			if rng.Intn(2) == 0 {
				p.Outcome = swap.StatusFailed
				switch rng.Intn(3) {
				case 0:
					p.Responsible = []string{userA}
				case 1:
					p.Responsible = []string{userB}
				}
			}
			_, err = future.Escalation.ResolveDispute(ctx, p)
			if err := tolerate("resolve", err); err != nil {
				return err
			}
		}
		pause(rng, 150, 200)
	}
	return nil
}

// flakyPublisher drops roughly one message in four.
type flakyPublisher struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (p *flakyPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Intn(4) == 0 {
		return errors.New("broker unavailable")
	}
	return nil
}

// OutboxWorker relays pending notifications through a publisher that fails
// intermittently, so rows retry and some go dead.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, maxAttempts int, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, outbox.NewStore(), &flakyPublisher{rng: rng}, 10, maxAttempts)
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil {
			if err := tolerate("relay", err); err != nil {
				return err
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
