package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"loanflow/auth"
	"loanflow/branch"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	includeDeleted := false
	if raw := r.URL.Query().Get("deleted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "deleted must be a boolean")
			return
		}
		includeDeleted = v
	}
	users, err := s.authService.ListUsers(r.Context(), mustActor(r), includeDeleted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.authService.GetUser(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.authService.UpdateUser(r.Context(), mustActor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.authService.DeleteUser(r.Context(), mustActor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.authService.RestoreUser(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleUpdateBranch(w http.ResponseWriter, r *http.Request) {
	var params branch.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.branchService.Update(r.Context(), mustActor(r), chi.URLParam(r, "id"), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBranchResponse(b))
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.branchService.Delete(r.Context(), mustActor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreBranch(w http.ResponseWriter, r *http.Request) {
	b, err := s.branchService.Restore(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBranchResponse(b))
}
