package apiserver

import (
	"errors"
	"net/http"

	"github.com/keyur7523/promptLab/pkg/feedback"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

type feedbackRequest struct {
	ExchangeID string `json:"exchange_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

// handleFeedback records one thumbs rating for an exchange owned by the
// caller.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID := s.identity(r)
	if userID == "" {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing_identity", "X-User-ID header is required")
		return
	}

	var req feedbackRequest
	if err := s.parseJSONRequest(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ExchangeID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "exchange_id is required")
		return
	}

	err := s.feedback.Record(r.Context(), req.ExchangeID, userID, req.Rating, req.Comment)
	switch {
	case err == nil:
		s.writeJSONResponse(w, http.StatusCreated, map[string]any{"recorded": true})
	case errors.Is(err, feedback.ErrInvalidRating):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_rating", err.Error())
	case errors.Is(err, feedback.ErrUnknownExchange):
		s.writeErrorResponse(w, http.StatusNotFound, "unknown_exchange", "exchange not found")
	case errors.Is(err, feedback.ErrDuplicateRating):
		s.writeErrorResponse(w, http.StatusConflict, "duplicate_rating", "exchange already rated")
	default:
		logging.Errorf("Recording feedback for exchange %s failed: %v", req.ExchangeID, err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal", "feedback could not be recorded")
	}
}

// handleFeedbackStats returns per-variant approval aggregates and the
// degraded-variant signal.
func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.feedback.Stats(r.Context())
	if err != nil {
		logging.Errorf("Loading feedback stats failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal", "stats unavailable")
		return
	}
	degraded, err := s.feedback.Degraded(r.Context())
	if err != nil {
		logging.Errorf("Computing degraded variants failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal", "stats unavailable")
		return
	}

	if degraded == nil {
		degraded = []string{}
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"variants": stats,
		"degraded": degraded,
	})
}
