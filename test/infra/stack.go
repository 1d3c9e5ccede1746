package infra

import (
	"sync"
	"time"

	"billswap/app"
	"billswap/config"
	"billswap/logging"
	"billswap/swap/swaptest"
	"billswap/verify"
)

// Clock is a settable time source shared by every service in a stack.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Stack is the full service graph over the harness database with
// verification stubbed out.
type Stack struct {
	*app.App
	Clock    *Clock
	Verifier *swaptest.Verifier
}

// NewStack wires production services against h. Every screenshot passes
// verification unless the test changes Verifier.Result.
func NewStack(h *Harness, clock *Clock) *Stack {
	cfg := config.Default()
	cfg.DB.DSN = h.DSN()
	cfg.Auth.JWTSecret = "stack-secret"

	verifier := &swaptest.Verifier{Result: verify.Result{Passed: true, Confidence: 0.97}}
	a := app.Assemble(cfg, logging.Discard(), h.Pool(), nil, app.External{
		Verifier: verifier,
		Uploader: swaptest.Uploader{},
		Now:      clock.Now,
	})
	return &Stack{App: a, Clock: clock, Verifier: verifier}
}
