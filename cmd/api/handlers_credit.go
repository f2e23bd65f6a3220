package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/ledger"
	"loanflow/plafond"
)

func (s *Server) handleListPlafonds(w http.ResponseWriter, r *http.Request) {
	list, err := s.plafondService.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]plafondResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPlafondResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublicPlafonds(w http.ResponseWriter, r *http.Request) {
	list, err := s.plafondService.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]publicPlafondResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPublicPlafondResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlafond(w http.ResponseWriter, r *http.Request) {
	p, err := s.plafondService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlafondResponse(p))
}

func (s *Server) handleCreatePlafond(w http.ResponseWriter, r *http.Request) {
	var params plafond.Params
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.plafondService.Create(r.Context(), mustActor(r), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlafondResponse(p))
}

func (s *Server) handleUpdatePlafond(w http.ResponseWriter, r *http.Request) {
	var params plafond.Params
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.plafondService.Update(r.Context(), mustActor(r), chi.URLParam(r, "id"), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlafondResponse(p))
}

func (s *Server) handleDeletePlafond(w http.ResponseWriter, r *http.Request) {
	if err := s.plafondService.Delete(r.Context(), mustActor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestorePlafond(w http.ResponseWriter, r *http.Request) {
	p, err := s.plafondService.Restore(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlafondResponse(p))
}

func (s *Server) handleAssignCredit(w http.ResponseWriter, r *http.Request) {
	var params ledger.AssignParams
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.creditService.Assign(r.Context(), mustActor(r), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantResponse(g))
}

// handleGetCredit shows a customer's grants. Customers may only see their own.
func (s *Server) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	customerID := chi.URLParam(r, "customerID")
	if actor.Role == auth.RoleCustomer && actor.ID != customerID {
		s.writeError(w, r, apperr.Rule("credit: customers may only view their own credit"))
		return
	}

	var resp creditResponse
	active, err := s.creditService.Active(r.Context(), customerID)
	switch {
	case err == nil:
		g := toGrantResponse(active)
		resp.Active = &g
	case !errors.Is(err, apperr.ErrNotFound):
		s.writeError(w, r, err)
		return
	}

	history, err := s.creditService.History(r.Context(), customerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.History = make([]grantResponse, 0, len(history))
	for _, g := range history {
		resp.History = append(resp.History, toGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, resp)
}
