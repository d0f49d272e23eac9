package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"formation_tracker/internal/recognizer"
	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// BatchUpdateRequest is the body for POST /api/targets/batch.
type BatchUpdateRequest struct {
	Observations []target.Observation `json:"observations"`
	// EmitEvents publishes change events for applied observations even
	// though no recognition pass is triggered.
	EmitEvents bool `json:"emit_events"`
}

// BatchUpdateResponse reports per-item outcomes.
type BatchUpdateResponse struct {
	Results  []state.ItemStatus `json:"results"`
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
}

func (s *Server) handleUpsertTarget(w http.ResponseWriter, r *http.Request) {
	var obs target.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	up, err := s.store.Upsert(r.Context(), obs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if up.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, up)
}

func (s *Server) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req BatchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "No observations specified")
		return
	}
	if len(req.Observations) > 1000 {
		writeError(w, http.StatusBadRequest, "Maximum 1000 observations per batch request")
		return
	}

	results := s.apply(r.Context(), req.Observations, req.EmitEvents)

	accepted := 0
	for _, res := range results {
		if res.Err == nil {
			accepted++
		}
	}

	writeJSON(w, http.StatusOK, BatchUpdateResponse{
		Results:  results,
		Accepted: accepted,
		Rejected: len(results) - accepted,
	})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	states := s.store.ListActive()
	if states == nil {
		states = []target.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")

	st, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Target not found")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = state.ReasonRemoved
	}

	rm, err := s.store.Remove(r.Context(), id, reason)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rm)
}

// RecognizeRequest optionally carries observations to apply before the
// pass. EmitEvents defaults to true.
type RecognizeRequest struct {
	Observations []target.Observation `json:"observations,omitempty"`
	EmitEvents   *bool                `json:"emit_events,omitempty"`
}

// RecognizeResponse summarizes one recognition pass.
type RecognizeResponse struct {
	Formations []recognizer.Formation `json:"formations"`
	Detected   []recognizer.Formation `json:"detected,omitempty"`
	Updated    []recognizer.Formation `json:"updated,omitempty"`
	Closed     []string               `json:"closed,omitempty"`
	Evaluated  int                    `json:"evaluated_pairs"`
	Full       bool                   `json:"full_recompute"`
	Results    []state.ItemStatus     `json:"results,omitempty"`
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if s.recognize == nil {
		writeError(w, http.StatusServiceUnavailable, "Recognition loop not attached")
		return
	}

	var req RecognizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Observations) > 1000 {
		writeError(w, http.StatusBadRequest, "Maximum 1000 observations per batch request")
		return
	}
	emit := req.EmitEvents == nil || *req.EmitEvents

	res, statuses := s.recognize(r.Context(), req.Observations, emit)

	formationsOut := res.Formations
	if formationsOut == nil {
		formationsOut = []recognizer.Formation{}
	}
	writeJSON(w, http.StatusOK, RecognizeResponse{
		Formations: formationsOut,
		Detected:   res.Detected,
		Updated:    res.Updated,
		Closed:     res.Closed,
		Evaluated:  res.Evaluated,
		Full:       res.Full,
		Results:    statuses,
	})
}
