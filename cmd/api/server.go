package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billswap/auth"
	"billswap/escalation"
	"billswap/listing"
	"billswap/logging"
	"billswap/metrics"
	"billswap/swap"
	"billswap/sweep"
	"billswap/terms"
	"billswap/timeline"
	"billswap/trust"
)

type listingService interface {
	CreateListing(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
	Get(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, filters listing.Filters) (listing.ListResult, error)
}

type matchService interface {
	Match(ctx context.Context, listingID, requesterID string) (swap.Swap, error)
}

type swapService interface {
	Get(ctx context.Context, id string) (swap.Swap, error)
	ListByUser(ctx context.Context, userID string) ([]swap.Swap, error)
	Events(ctx context.Context, id string) ([]timeline.Event, error)
	Accept(ctx context.Context, swapID, userID string) (swap.Swap, error)
	Commit(ctx context.Context, swapID, userID string) (swap.Swap, error)
	SubmitProof(ctx context.Context, p swap.SubmitProofParams) (swap.Swap, error)
	ReviewProof(ctx context.Context, p swap.ReviewParams) (swap.Swap, error)
	FlagDispute(ctx context.Context, swapID, userID, reason string) (swap.Swap, error)
	Cancel(ctx context.Context, swapID, userID, reason string) (swap.Swap, error)
}

type termsService interface {
	Propose(ctx context.Context, swapID, proposerID string, offer terms.Offer) (terms.Terms, error)
	Counter(ctx context.Context, termsID, userID string, offer terms.Offer) (terms.Terms, error)
	Accept(ctx context.Context, termsID, userID string) (terms.Terms, error)
	Reject(ctx context.Context, termsID, userID string) (terms.Terms, error)
	Current(ctx context.Context, swapID string) (terms.Terms, error)
}

type escalationService interface {
	ReportGhost(ctx context.Context, swapID, reporterID string) (swap.Swap, error)
	ResolveDispute(ctx context.Context, p escalation.ResolveParams) (swap.Swap, error)
	Sanction(ctx context.Context, adjudicatorID, userID string, reason escalation.Reason, swapID string) (swap.SanctionOutcome, error)
	FileAppeal(ctx context.Context, sanctionID, userID, reason string) (escalation.Sanction, error)
	DecideAppeal(ctx context.Context, sanctionID, adjudicatorID string, overturn bool) (escalation.Sanction, error)
	ListSanctions(ctx context.Context, userID string) ([]escalation.Sanction, error)
}

type trustService interface {
	GetTier(ctx context.Context, userID string) (trust.Standing, error)
}

type sweepService interface {
	Run(ctx context.Context) (sweep.Result, error)
}

type authenticator interface {
	VerifyToken(token string) (auth.Principal, error)
}

// Server exposes the swap services over HTTP.
type Server struct {
	listings   listingService
	matcher    matchService
	swaps      swapService
	terms      termsService
	escalation escalationService
	trust      trustService
	sweeper    sweepService
	auth       authenticator
	logger     *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return logging.Discard()
	}
	return s.logger
}

// Routes builds the router. Everything except health and metrics requires a
// bearer token; review, resolution, sanctions and sweeps require an
// adjudicator.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/listings", func(r chi.Router) {
			r.Get("/", s.handleListListings)
			r.Post("/", s.handleCreateListing)
			r.With(requireUUID("id")).Get("/{id}", s.handleGetListing)
			r.With(requireUUID("id")).Post("/{id}/match", s.handleMatch)
		})

		r.Route("/swaps/{id}", func(r chi.Router) {
			r.Use(requireUUID("id"))
			r.Get("/", s.handleGetSwap)
			r.Get("/events", s.handleSwapEvents)
			r.Post("/accept", s.handleAccept)
			r.Post("/commit", s.handleCommit)
			r.Post("/proof", s.handleSubmitProof)
			r.Post("/dispute", s.handleFlagDispute)
			r.Post("/cancel", s.handleCancel)
			r.Post("/ghost-report", s.handleReportGhost)
			r.Get("/terms", s.handleCurrentTerms)
			r.Post("/terms", s.handleProposeTerms)

			r.With(requireRole(auth.RoleAdjudicator)).Post("/proof/review", s.handleReviewProof)
			r.With(requireRole(auth.RoleAdjudicator)).Post("/resolve", s.handleResolve)
		})

		r.Route("/terms/{id}", func(r chi.Router) {
			r.Use(requireUUID("id"))
			r.Post("/counter", s.handleCounterTerms)
			r.Post("/accept", s.handleAcceptTerms)
			r.Post("/reject", s.handleRejectTerms)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/trust", s.handleTrust)
			r.Get("/sanctions", s.handleListSanctions)
			r.Get("/swaps", s.handleUserSwaps)
		})

		r.With(requireUUID("id")).Post("/sanctions/{id}/appeal", s.handleFileAppeal)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.RoleAdjudicator))
			r.Post("/sanctions", s.handleImposeSanction)
			r.With(requireUUID("id")).Post("/sanctions/{id}/decision", s.handleDecideAppeal)
			r.Post("/admin/sweep", s.handleSweep)
		})
	})

	return r
}

// requestLogger logs each request and records it under its route pattern so
// path parameters do not explode metric cardinality.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), start)
		s.log().Info("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
