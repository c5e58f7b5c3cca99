package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"kasku/internal/core"
)

type createEntryRequest struct {
	Type     string `json:"type" validate:"required,oneof=in out"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Category string `json:"category" validate:"max=100"`
	Note     string `json:"note" validate:"max=200"`
	Date     string `json:"date" validate:"required"`
	MemberID string `json:"memberId" validate:"max=64"`
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	period, err := periodQuery(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	entries, err := s.ledger.ListEntries(r.Context(), tenant(r), period)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	date, err := time.Parse(time.RFC3339, req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be RFC3339")
		return
	}

	entry, err := s.ledger.AddEntry(r.Context(), core.LedgerEntry{
		OwnerID:  tenant(r),
		Type:     core.EntryType(req.Type),
		Amount:   req.Amount,
		Category: req.Category,
		Note:     req.Note,
		Date:     date,
		MemberID: req.MemberID,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(tenant(r))
	respondJSON(w, http.StatusCreated, entry)
}

// handleDeleteEntry is idempotent: an unknown entry id still acknowledges
// with ok, matching the member delete.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.DeleteEntry(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(tenant(r))
	respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	period, err := periodQuery(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	owner := tenant(r)

	key := cacheKey(owner, period)
	if totals, found := s.totalsCache.Get(key); found {
		slog.DebugContext(r.Context(), "Totals cache hit", "owner_id", owner, "key", key)
		respondJSON(w, http.StatusOK, totals)
		return
	}

	totals, err := s.ledger.Totals(r.Context(), owner, period)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.totalsCache.Set(key, totals)
	respondJSON(w, http.StatusOK, totals)
}
