package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"kasku/internal/core"
)

type generateBillsRequest struct {
	Period string `json:"ym" validate:"omitempty"`
}

type bulkBillsRequest struct {
	MemberIDs []string `json:"memberIds" validate:"required,min=1,dive,required"`
	Period    string   `json:"ym" validate:"required"`
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	period, err := periodQuery(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	owner := tenant(r)

	if period != "" {
		if bills, found := s.billsCache.Get(cacheKey(owner, period)); found {
			slog.DebugContext(r.Context(), "Bills cache hit", "owner_id", owner, "ym", period.String())
			respondJSON(w, http.StatusOK, bills)
			return
		}
	}

	bills, err := s.billing.ListBills(r.Context(), owner, period)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if bills == nil {
		bills = []core.Bill{}
	}
	if period != "" {
		s.billsCache.Set(cacheKey(owner, period), bills)
	}
	respondJSON(w, http.StatusOK, bills)
}

// handleGenerateBills accepts {ym?} or an empty body; a missing period means
// the current month.
func (s *Server) handleGenerateBills(w http.ResponseWriter, r *http.Request) {
	var req generateBillsRequest
	if status, issues, err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, status, err.Error(), issues...)
		return
	}

	period := core.Period(req.Period)
	if period == "" {
		period = core.CurrentPeriod()
	}

	bills, err := s.billing.GenerateBills(r.Context(), tenant(r), period)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(tenant(r))
	respondJSON(w, http.StatusOK, bills)
}

func (s *Server) handleBulkPaid(w http.ResponseWriter, r *http.Request) {
	var req bulkBillsRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	bills, _, err := s.billing.BulkMarkPaid(r.Context(), tenant(r), req.MemberIDs, core.Period(req.Period))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(tenant(r))
	respondJSON(w, http.StatusOK, bills)
}

func (s *Server) handleWaiveBills(w http.ResponseWriter, r *http.Request) {
	var req bulkBillsRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	bills, _, err := s.billing.Waive(r.Context(), tenant(r), req.MemberIDs, core.Period(req.Period))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(tenant(r))
	respondJSON(w, http.StatusOK, bills)
}

type duesAmountRequest struct {
	Amount *int64 `json:"amount" validate:"required"`
}

type duesAmountResponse struct {
	DuesAmount int64 `json:"duesAmount"`
}

func (s *Server) handleGetDuesAmount(w http.ResponseWriter, r *http.Request) {
	amount, err := s.billing.DuesAmount(r.Context(), tenant(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, duesAmountResponse{DuesAmount: amount})
}

func (s *Server) handleSetDuesAmount(w http.ResponseWriter, r *http.Request) {
	var req duesAmountRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	if err := s.billing.SetDuesAmount(r.Context(), tenant(r), *req.Amount); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, duesAmountResponse{DuesAmount: *req.Amount})
}
