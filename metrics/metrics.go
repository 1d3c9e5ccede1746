// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billswap_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	swapTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_swap_transitions_total",
		Help: "Swap status transitions committed",
	}, []string{"from", "to"})

	matchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_match_attempts_total",
		Help: "Match requests by result",
	}, []string{"result"})

	verifyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_verification_calls_total",
		Help: "Screenshot verification calls by outcome",
	}, []string{"outcome"})

	verifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billswap_verification_duration_seconds",
		Help:    "Screenshot verification latency including retries",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_sweep_actions_total",
		Help: "Deadline sweep actions by kind",
	}, []string{"action"})

	sanctionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_sanctions_total",
		Help: "Sanctions recorded by reason",
	}, []string{"reason"})

	outboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billswap_outbox_messages_total",
		Help: "Outbox relay results by topic and status",
	}, []string{"topic", "status"})
)

func ObserveHTTP(method, route, status string, start time.Time) {
	httpReqTotal.WithLabelValues(method, route, status).Inc()
	httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

func SwapTransition(from, to string) {
	swapTransitions.WithLabelValues(from, to).Inc()
}

// MatchResult records the outcome of one Match call: matched, no_candidates,
// conflict or error.
func MatchResult(result string) {
	matchAttempts.WithLabelValues(result).Inc()
}

func ObserveVerification(outcome string, start time.Time) {
	verifyCalls.WithLabelValues(outcome).Inc()
	verifyLatency.Observe(time.Since(start).Seconds())
}

func SweepAction(action string, n int) {
	if n <= 0 {
		return
	}
	sweepActions.WithLabelValues(action).Add(float64(n))
}

func SanctionApplied(reason string) {
	sanctionsApplied.WithLabelValues(reason).Inc()
}

func OutboxResult(topic, status string) {
	outboxPublished.WithLabelValues(topic, status).Inc()
}
