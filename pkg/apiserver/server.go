// Package apiserver exposes the chat pipeline over HTTP: the streaming
// chat endpoint, feedback ingestion, experiment administration, health,
// and Prometheus metrics.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyur7523/promptLab/pkg/config"
	"github.com/keyur7523/promptLab/pkg/experiments"
	"github.com/keyur7523/promptLab/pkg/feedback"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/orchestrator"
	"github.com/keyur7523/promptLab/pkg/tokenest"
)

// Server carries the handler dependencies.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *experiments.Registry
	feedback *feedback.Aggregator
	// remote is the remote token estimator, reported in health; nil when
	// the remote path is disabled.
	remote *tokenest.Remote
	cfg    *config.Config
}

// New wires the API server.
func New(orch *orchestrator.Orchestrator, registry *experiments.Registry, fb *feedback.Aggregator, remote *tokenest.Remote, cfg *config.Config) *Server {
	return &Server{orch: orch, registry: registry, feedback: fb, remote: remote, cfg: cfg}
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.setupRoutes(),
		// No WriteTimeout: it would cut long-lived SSE streams; the
		// orchestrator bounds stream duration itself.
		ReadTimeout: time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout: time.Duration(s.cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("API server listening on port %d", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)
	mux.HandleFunc("GET /v1/feedback/stats", s.handleFeedbackStats)

	mux.HandleFunc("GET /v1/experiments", s.handleListExperiments)
	mux.HandleFunc("POST /v1/experiments", s.handleUpsertExperiment)
	mux.HandleFunc("POST /v1/experiments/{key}/kill", s.handleKillExperiment)

	return mux
}

// handleHealth reports component health. The service is "ok" as long as
// it can serve chat at all; degraded dependencies show up per component.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	components := map[string]any{
		"experiments": map[string]any{
			"loaded_at": snap.LoadedAt().UTC().Format(time.RFC3339),
			"count":     len(snap.Keys()),
		},
	}
	if s.remote != nil {
		components["estimator"] = map[string]any{"mode": "remote", "remote_healthy": s.remote.Healthy()}
	} else {
		components["estimator"] = map[string]any{"mode": "local"}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": components,
	})
}

// identity returns the caller identity established by the auth layer in
// front of this service. Empty means the request never went through it.
func (s *Server) identity(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) parseJSONRequest(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	s.writeJSONResponse(w, statusCode, map[string]any{
		"error": map[string]any{
			"code":    errorCode,
			"message": message,
		},
	})
}
