package main

import (
	"net/http"
	"strconv"

	"loanflow/auth"
	"loanflow/branch"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Refresh(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authService.Logout(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authService.ChangePassword(r.Context(), mustActor(r), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateStaffRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.authService.CreateStaff(r.Context(), mustActor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	branches, err := s.branchService.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]branchResponse, 0, len(branches))
	for _, b := range branches {
		out = append(out, toBranchResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var params branch.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.branchService.Create(r.Context(), mustActor(r), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBranchResponse(b))
}
