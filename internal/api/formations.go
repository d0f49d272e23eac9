package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"formation_tracker/internal/formations"
)

func (s *Server) handleFormationsLatest(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	events, err := s.formations.Latest(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, eventsOrEmpty(events))
}

func (s *Server) handleFormationsRange(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from time (use RFC3339)")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to time (use RFC3339)")
		return
	}
	limit := queryInt(r, "limit", 100)

	events, err := s.formations.Range(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, eventsOrEmpty(events))
}

func (s *Server) handleFormationsDay(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse("2006-01-02", chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)")
		return
	}
	limit := queryInt(r, "limit", 1000)

	events, err := s.formations.Day(r.Context(), day, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, eventsOrEmpty(events))
}

func (s *Server) handleFormationsStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)

	stats, err := s.formations.TrailingStats(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func eventsOrEmpty(events []formations.Event) []formations.Event {
	if events == nil {
		return []formations.Event{}
	}
	return events
}
