package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.inboxService.List(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.inboxService.MarkRead(r.Context(), mustActor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.inboxService.MarkAllRead(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
