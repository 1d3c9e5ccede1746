package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"billswap/apperr"
	"billswap/auth"
	"billswap/escalation"
	"billswap/listing"
	"billswap/swap"
	"billswap/terms"
)

type createListingRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Category string          `json:"category"`
	DueDate  string          `json:"due_date"`
}

type listingsResponse struct {
	Items []listing.Listing `json:"items"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
}

type proofRequest struct {
	Image []byte `json:"image"`
}

type reviewRequest struct {
	Side    swap.Side `json:"side"`
	Approve bool      `json:"approve"`
	Reason  string    `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Outcome     swap.Status `json:"outcome"`
	Responsible []string    `json:"responsible"`
}

type sanctionRequest struct {
	UserID string            `json:"user_id"`
	Reason escalation.Reason `json:"reason"`
	SwapID string            `json:"swap_id"`
}

type decisionRequest struct {
	Overturn bool `json:"overturn"`
}

func caller(r *http.Request) auth.Principal {
	p, _ := principalFrom(r.Context())
	return p
}

// canView lets participants and adjudicators read a swap.
func canView(p auth.Principal, sw swap.Swap) bool {
	if p.Role == auth.RoleAdjudicator {
		return true
	}
	_, ok := sw.SideOf(p.UserID)
	return ok
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	due, err := time.Parse(time.DateOnly, strings.TrimSpace(req.DueDate))
	if err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidInput, "due_date must be YYYY-MM-DD")
		return
	}

	created, err := s.listings.CreateListing(r.Context(), listing.CreateParams{
		OwnerID:  caller(r).UserID,
		Amount:   req.Amount,
		Category: req.Category,
		DueDate:  due,
	})
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := listing.Filters{
		OwnerID:   q.Get("owner_id"),
		Status:    listing.Status(q.Get("status")),
		Category:  q.Get("category"),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	res, err := s.listings.List(r.Context(), filters)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	if res.Items == nil {
		res.Items = []listing.Listing{}
	}
	writeJSON(w, http.StatusOK, listingsResponse{Items: res.Items, Total: res.Total, Page: filters.Page})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	sw, err := s.matcher.Match(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, sw)
}

// visibleSwap loads the swap in the path and checks the caller may see it.
func (s *Server) visibleSwap(w http.ResponseWriter, r *http.Request) (swap.Swap, bool) {
	sw, err := s.swaps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.log(), err)
		return swap.Swap{}, false
	}
	if !canView(caller(r), sw) {
		writeError(w, http.StatusForbidden, apperr.CodeForbidden, "not a participant in this swap")
		return swap.Swap{}, false
	}
	return sw, true
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.visibleSwap(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleSwapEvents(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.visibleSwap(w, r)
	if !ok {
		return
	}
	events, err := s.swaps.Events(r.Context(), sw.ID)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	sw, err := s.swaps.Accept(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	s.respondSwap(w, sw, err)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	sw, err := s.swaps.Commit(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	s.respondSwap(w, sw, err)
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sw, err := s.swaps.SubmitProof(r.Context(), swap.SubmitProofParams{
		SwapID: chi.URLParam(r, "id"),
		UserID: caller(r).UserID,
		Image:  req.Image,
	})
	s.respondSwap(w, sw, err)
}

func (s *Server) handleReviewProof(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Side != swap.SideA && req.Side != swap.SideB {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidInput, "side must be a or b")
		return
	}
	sw, err := s.swaps.ReviewProof(r.Context(), swap.ReviewParams{
		SwapID:     chi.URLParam(r, "id"),
		ReviewerID: caller(r).UserID,
		Side:       req.Side,
		Approve:    req.Approve,
		Reason:     req.Reason,
	})
	s.respondSwap(w, sw, err)
}

func (s *Server) handleFlagDispute(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sw, err := s.swaps.FlagDispute(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, req.Reason)
	s.respondSwap(w, sw, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sw, err := s.swaps.Cancel(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, req.Reason)
	s.respondSwap(w, sw, err)
}

func (s *Server) handleReportGhost(w http.ResponseWriter, r *http.Request) {
	sw, err := s.escalation.ReportGhost(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	s.respondSwap(w, sw, err)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sw, err := s.escalation.ResolveDispute(r.Context(), escalation.ResolveParams{
		SwapID:        chi.URLParam(r, "id"),
		Outcome:       req.Outcome,
		AdjudicatorID: caller(r).UserID,
		Responsible:   req.Responsible,
	})
	s.respondSwap(w, sw, err)
}

func (s *Server) respondSwap(w http.ResponseWriter, sw swap.Swap, err error) {
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleCurrentTerms(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.visibleSwap(w, r)
	if !ok {
		return
	}
	t, err := s.terms.Current(r.Context(), sw.ID)
	s.respondTerms(w, http.StatusOK, t, err)
}

func (s *Server) handleProposeTerms(w http.ResponseWriter, r *http.Request) {
	var offer terms.Offer
	if !decodeJSON(w, r, &offer) {
		return
	}
	t, err := s.terms.Propose(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, offer)
	s.respondTerms(w, http.StatusCreated, t, err)
}

func (s *Server) handleCounterTerms(w http.ResponseWriter, r *http.Request) {
	var offer terms.Offer
	if !decodeJSON(w, r, &offer) {
		return
	}
	t, err := s.terms.Counter(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, offer)
	s.respondTerms(w, http.StatusCreated, t, err)
}

func (s *Server) handleAcceptTerms(w http.ResponseWriter, r *http.Request) {
	t, err := s.terms.Accept(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	s.respondTerms(w, http.StatusOK, t, err)
}

func (s *Server) handleRejectTerms(w http.ResponseWriter, r *http.Request) {
	t, err := s.terms.Reject(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	s.respondTerms(w, http.StatusOK, t, err)
}

func (s *Server) respondTerms(w http.ResponseWriter, status int, t terms.Terms, err error) {
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, status, t)
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	st, err := s.trust.GetTier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// selfOrAdjudicator guards per-user history.
func selfOrAdjudicator(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "id")
	p := caller(r)
	if p.UserID != userID && p.Role != auth.RoleAdjudicator {
		writeError(w, http.StatusForbidden, apperr.CodeForbidden, "cannot read another user's history")
		return "", false
	}
	return userID, true
}

func (s *Server) handleListSanctions(w http.ResponseWriter, r *http.Request) {
	userID, ok := selfOrAdjudicator(w, r)
	if !ok {
		return
	}
	list, err := s.escalation.ListSanctions(r.Context(), userID)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	if list == nil {
		list = []escalation.Sanction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUserSwaps(w http.ResponseWriter, r *http.Request) {
	userID, ok := selfOrAdjudicator(w, r)
	if !ok {
		return
	}
	list, err := s.swaps.ListByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	if list == nil {
		list = []swap.Swap{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleImposeSanction(w http.ResponseWriter, r *http.Request) {
	var req sanctionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SwapID != "" {
		if _, err := uuid.Parse(req.SwapID); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidInput, "swap_id must be a UUID")
			return
		}
	}
	out, err := s.escalation.Sanction(r.Context(), caller(r).UserID, req.UserID, req.Reason, req.SwapID)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleFileAppeal(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sn, err := s.escalation.FileAppeal(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, req.Reason)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleDecideAppeal(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sn, err := s.escalation.DecideAppeal(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, req.Overturn)
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.Run(r.Context())
	if err != nil {
		writeServiceError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
