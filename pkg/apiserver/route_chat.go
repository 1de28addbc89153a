package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/orchestrator"
	"github.com/keyur7523/promptLab/pkg/ratelimit"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// handleChat runs one streaming exchange over SSE. Rejections (missing
// identity, quota, stream cap) are plain JSON responses; once streaming
// starts, errors arrive as a terminal SSE event instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := s.identity(r)
	if userID == "" {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing_identity", "X-User-ID header is required")
		return
	}

	var req chatRequest
	if err := s.parseJSONRequest(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Message == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "message must not be empty")
		return
	}

	// Per-user quota override, set by the auth layer for custom plans.
	limitOverride := 0
	if v := r.Header.Get("X-User-Rate-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limitOverride = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	err := s.orch.Run(r.Context(), orchestrator.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		LimitOverride:  limitOverride,
	}, sink)
	if err == nil {
		return
	}

	var quotaErr *orchestrator.QuotaError
	switch {
	case errors.As(err, &quotaErr):
		writeRateHeaders(w, quotaErr.Decision)
		w.Header().Set("Retry-After", strconv.Itoa(int(quotaErr.Decision.RetryAfter.Seconds())))
		s.writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("rate limit of %d requests per window exceeded", quotaErr.Decision.Limit))
	case errors.Is(err, ratelimit.ErrTooManyStreams):
		s.writeErrorResponse(w, http.StatusTooManyRequests, "too_many_streams",
			"too many concurrent streams, finish or close one first")
	default:
		logging.Errorf("Chat request for user %s failed before streaming: %v", userID, err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal", "request failed")
	}
}

func writeRateHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// sseSink delivers exchange events as server-sent events. Frame shapes:
//
//	data: {"token":"..."}
//	data: {"done":true,"metadata":{...}}
//	data: {"error":{"kind":"...","message":"..."}}
//
// Exactly one of the last two terminates a stream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Admitted(d *ratelimit.Decision) {
	writeRateHeaders(s.w, d)
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseSink) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) SendToken(token string) error {
	return s.send(map[string]string{"token": token})
}

func (s *sseSink) SendDone(meta orchestrator.Metadata) error {
	return s.send(map[string]any{"done": true, "metadata": meta})
}

func (s *sseSink) SendError(kind, message string) error {
	return s.send(map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}
