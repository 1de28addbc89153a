package apiserver

import (
	"net/http"

	"github.com/keyur7523/promptLab/pkg/experiments"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

// handleListExperiments returns every experiment in the current snapshot.
func (s *Server) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()

	out := make([]*experiments.Experiment, 0, len(snap.Keys()))
	for _, key := range snap.Keys() {
		out = append(out, snap.Get(key))
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"experiments": out})
}

// handleUpsertExperiment creates or replaces an experiment definition.
// The stored version is bumped on every update, which reshuffles bucket
// membership; callers update definitions deliberately, not casually.
func (s *Server) handleUpsertExperiment(w http.ResponseWriter, r *http.Request) {
	var exp experiments.Experiment
	if err := s.parseJSONRequest(r, &exp); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	stored, err := s.registry.Upsert(r.Context(), exp)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_experiment", err.Error())
		return
	}

	logging.Infof("Experiment %q upserted at version %d", stored.Key, stored.Version)
	s.writeJSONResponse(w, http.StatusOK, stored)
}

// handleKillExperiment flips the kill switch: all traffic of the named
// experiment goes to the control variant until it is upserted again.
func (s *Server) handleKillExperiment(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.registry.Kill(r.Context(), key); err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "unknown_experiment", err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"killed": key})
}
