package tokenest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/observability/metrics"
)

// Remote calls the high-throughput token counter service over HTTP.
// A circuit breaker keeps a flapping estimator from adding its timeout to
// every request: after repeated failures calls short-circuit until the
// breaker half-opens.
type Remote struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemote returns a client for the token counter service at baseURL.
// timeout bounds each call; keep it short so admission never stalls.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "token-estimator",
			Interval: 60 * time.Second,
			Timeout:  10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warnf("Circuit breaker %q: %s -> %s", name, from, to)
			},
		}),
	}
}

type remoteTokenRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type remoteTokenResponse struct {
	Tokens int    `json:"tokens"`
	Model  string `json:"model"`
}

// EstimateTokens asks the remote service for a count. Errors are returned
// to the caller (normally the Chain) which substitutes the local path.
func (r *Remote) EstimateTokens(ctx context.Context, text, model string) (Estimate, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.post(ctx, text, model)
	})
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Tokens:      result.(remoteTokenResponse).Tokens,
		Approximate: true,
		Origin:      OriginRemote,
	}, nil
}

func (r *Remote) post(ctx context.Context, text, model string) (remoteTokenResponse, error) {
	var out remoteTokenResponse

	body, err := json.Marshal(remoteTokenRequest{Text: text, Model: model})
	if err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("token counter returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding token counter response: %w", err)
	}
	return out, nil
}

// Healthy reports whether the breaker currently permits calls.
func (r *Remote) Healthy() bool {
	return r.breaker.State() != gobreaker.StateOpen
}

// Chain prefers the remote estimator and transparently substitutes the
// local one on any failure. It never returns an error.
type Chain struct {
	remote *Remote
	local  Estimator
}

// NewChain builds the remote-then-local estimator. remote may be nil, in
// which case every call goes local.
func NewChain(remote *Remote, local Estimator) *Chain {
	return &Chain{remote: remote, local: local}
}

func (c *Chain) EstimateTokens(ctx context.Context, text, model string) (Estimate, error) {
	if c.remote != nil {
		est, err := c.remote.EstimateTokens(ctx, text, model)
		if err == nil {
			return est, nil
		}
		metrics.EstimatorFallbacksTotal.Inc()
		logging.Warnf("Remote token estimator unavailable, using local heuristic: %v", err)
	}

	est, err := c.local.EstimateTokens(ctx, text, model)
	if err != nil {
		return est, err
	}
	if c.remote != nil {
		est.Origin = OriginLocalFallback
	}
	return est, nil
}
