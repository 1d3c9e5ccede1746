package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"billswap/test/actors"
	"billswap/test/chaos"
	"billswap/test/infra"
	"billswap/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 45*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent drivers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestSwapConcurrency races listers, matchers, drivers, sweeps, ghost reports,
// adjudication and the outbox relay against one database while backends are
// killed, and checks the invariant oracles every two seconds.
func TestSwapConcurrency(t *testing.T) {
	if testing.Short() || os.Getenv("STRESS_TEST") == "" {
		t.Skip("set STRESS_TEST=1 to run the stress harness")
	}
	if *flDSN == "" && os.Getenv("STRESS_TEST_PG_DSN") == "" && os.Getenv("DATABASE_URL") == "" &&
		!dockerAvailable(context.Background()) {
		t.Skip("no DSN and no docker")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)
	// Each goroutine gets its own source; *rand.Rand is not safe to share.
	sources := rand.New(rand.NewSource(seed))
	rngFor := func() *rand.Rand { return rand.New(rand.NewSource(sources.Int63())) }

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()

	start := time.Now().UTC().Truncate(time.Second)
	present := infra.NewStack(h, infra.NewClock(start))
	future := infra.NewStack(h, infra.NewClock(start.Add(30*time.Hour)))

	users := make([]string, 2*(*flConcurrency)+2)
	for i := range users {
		users[i] = fmt.Sprintf("stress-%02d", i)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		lister, matcher, driver := rngFor(), rngFor(), rngFor()
		g.Go(func() error { return actors.Lister(gctx, present, lister, users, stop) })
		g.Go(func() error { return actors.Matcher(gctx, present, pool, matcher, stop) })
		g.Go(func() error { return actors.Driver(gctx, present, pool, driver, stop) })
	}
	sweeper, reporter, judge, relay := rngFor(), rngFor(), rngFor(), rngFor()
	g.Go(func() error { return actors.Sweeper(gctx, future, sweeper, stop) })
	g.Go(func() error { return actors.GhostReporter(gctx, future, pool, reporter, stop) })
	g.Go(func() error { return actors.Judge(gctx, future, pool, judge, stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, pool, relay, oracles.OutboxMaxAttempts, stop) })
	go chaos.TerminateRandomBackend(gctx, pool, rngFor(), infra.ApplicationName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var (
		failed     bool
		oracleErrs int
	)
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			v, err := oracles.Check(gctx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's connection
				if oracleErrs++; oracleErrs > 3 {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle retry: %v", err)
				continue
			}
			oracleErrs = 0
			if v != nil {
				failed = true
				dumpRecent(t, gctx, pool)
				t.Fatalf("oracle violated: %s (seed=%d)", v, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	v, err := oracles.Check(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if v != nil {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("oracle violated after shutdown: %s (seed=%d)", v, seed)
	}
	logTotals(t, pool)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func logTotals(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	rows, err := pool.Query(context.Background(), `SELECT status, COUNT(*) FROM swaps GROUP BY status ORDER BY status`)
	if err != nil {
		t.Logf("totals: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err == nil {
			t.Logf("swaps %-11s %d", status, n)
		}
	}
}

// dumpRecent logs the newest rows of the tables the oracles read.
func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, q := range []string{
		`SELECT id, status, version, listing_a, listing_b, updated_at FROM swaps ORDER BY updated_at DESC LIMIT 30`,
		`SELECT id, swap_id, seq, event_type, created_at FROM events ORDER BY id DESC LIMIT 50`,
		`SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY id DESC LIMIT 50`,
		`SELECT user_id, tier, successful_swaps, disputed_swaps, trust_points FROM trust_ledger ORDER BY updated_at DESC LIMIT 30`,
	} {
		rows, err := pool.Query(ctx, q)
		if err != nil {
			t.Logf("dump: %v", err)
			continue
		}
		t.Logf(">> %s", q)
		cols := rows.FieldDescriptions()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				break
			}
			var line strings.Builder
			for i, v := range vals {
				fmt.Fprintf(&line, "%s=%v ", cols[i].Name, v)
			}
			t.Log(line.String())
		}
		rows.Close()
	}
}
