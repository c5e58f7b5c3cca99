package http

import (
	"net/http"

	"kasku/internal/core"
	"kasku/internal/storage"
)

type createMemberRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	NIM   string `json:"nim" validate:"max=50"`
	Phone string `json:"phone" validate:"max=30"`
}

type updateMemberRequest struct {
	Name   *string `json:"name" validate:"omitempty,min=1,max=100"`
	NIM    *string `json:"nim" validate:"omitempty,max=50"`
	Phone  *string `json:"phone" validate:"omitempty,max=30"`
	Active *bool   `json:"active"`
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListMembers(r.Context(), tenant(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []core.Member{}
	}
	respondJSON(w, http.StatusOK, members)
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req createMemberRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	member, err := s.store.CreateMember(r.Context(), core.Member{
		OwnerID: tenant(r),
		Name:    req.Name,
		NIM:     req.NIM,
		Phone:   req.Phone,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, member)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := s.store.GetMember(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, member)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	var req updateMemberRequest
	if status, issues, err := decodeJSON(r, &req); err != nil {
		respondError(w, status, err.Error(), issues...)
		return
	}

	member, err := s.store.UpdateMember(r.Context(), tenant(r), r.PathValue("id"), storage.MemberPatch{
		Name:   req.Name,
		NIM:    req.NIM,
		Phone:  req.Phone,
		Active: req.Active,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, member)
}

// handleDeleteMember is idempotent: deleting an unknown member is still a
// success, the row is just as gone.
func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	owner := tenant(r)

	if err := s.store.DeleteMember(r.Context(), owner, r.PathValue("id")); err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.invalidateTenant(owner)
	respondJSON(w, http.StatusOK, okResponse{OK: true})
}
