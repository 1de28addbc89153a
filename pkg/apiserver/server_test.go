package apiserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyur7523/promptLab/pkg/config"
	"github.com/keyur7523/promptLab/pkg/experiments"
	"github.com/keyur7523/promptLab/pkg/feedback"
	"github.com/keyur7523/promptLab/pkg/modelprovider"
	"github.com/keyur7523/promptLab/pkg/orchestrator"
	"github.com/keyur7523/promptLab/pkg/persistence"
	"github.com/keyur7523/promptLab/pkg/ratelimit"
	"github.com/keyur7523/promptLab/pkg/tokenest"
)

type testEnv struct {
	ts  *httptest.Server
	reg *experiments.Registry
}

func newTestServer(t *testing.T, provider modelprovider.Provider, requestLimit int) *testEnv {
	t.Helper()

	registry := experiments.NewRegistry(experiments.NewMemoryStore(), experiments.Options{
		ControlVariant:  "control",
		ControlPrompt:   "You are a helpful assistant.",
		RefreshInterval: time.Hour,
	})
	require.NoError(t, registry.Refresh(context.Background()))

	store := persistence.NewMemoryStore()
	writer := persistence.NewWriter(store, 16)
	t.Cleanup(writer.Close)

	agg := feedback.NewAggregator(feedback.NewMemoryBackend(), writer, feedback.Options{
		ControlVariant:    "control",
		DegradedThreshold: 15,
		MinSamples:        4,
	})

	limiter := ratelimit.NewResolver(ratelimit.NewLocalProvider(requestLimit, time.Hour), nil, true)
	orch := orchestrator.New(limiter, nil, registry, provider,
		tokenest.NewChain(nil, tokenest.NewHeuristic()), store, writer, agg,
		orchestrator.Options{
			Model:         "gpt-4o-mini",
			StreamTimeout: 5 * time.Second,
			IdleTimeout:   2 * time.Second,
			HistoryLimit:  10,
		})

	srv := New(orch, registry, agg, nil, config.Default())
	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, reg: registry}
}

func postChat(t *testing.T, env *testEnv, userID, message string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"message": message, "conversation_id": "c1"})
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/chat", bytes.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// sseFrames decodes every data: frame of an SSE body.
func sseFrames(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestChatRequiresIdentity(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	resp := postChat(t, env, "", "hello")
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	resp := postChat(t, env, "u1", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStreamsTokensAndMetadata(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("Hello", ",", " world"), 100)

	resp := postChat(t, env, "u1", "greet me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))

	frames := sseFrames(t, resp)
	require.Len(t, frames, 4)

	var tokens []string
	for _, f := range frames[:3] {
		tokens = append(tokens, f["token"].(string))
	}
	require.Equal(t, []string{"Hello", ",", " world"}, tokens)

	last := frames[3]
	require.Equal(t, true, last["done"])
	meta := last["metadata"].(map[string]any)
	require.NotEmpty(t, meta["exchange_id"])
	require.Equal(t, float64(3), meta["tokens_out"])
	require.Equal(t, "control", meta["variant"])
}

func TestChatQuotaExceeded(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 1)

	first := postChat(t, env, "u1", "hello")
	sseFrames(t, first)

	second := postChat(t, env, "u1", "again")
	defer second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	require.NotEmpty(t, second.Header.Get("Retry-After"))
	require.Equal(t, "1", second.Header.Get("X-RateLimit-Limit"))
}

func TestChatProviderErrorArrivesAsEvent(t *testing.T) {
	provider := modelprovider.NewScriptedProvider("partial")
	provider.FailAfter = 1
	env := newTestServer(t, provider, 100)

	resp := postChat(t, env, "u1", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := sseFrames(t, resp)
	require.Len(t, frames, 2)
	require.Equal(t, "partial", frames[0]["token"])
	errFrame := frames[1]["error"].(map[string]any)
	require.Equal(t, "provider_error", errFrame["kind"])
}

func TestFeedbackLifecycle(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("answer"), 100)

	frames := sseFrames(t, postChat(t, env, "u1", "hello"))
	meta := frames[len(frames)-1]["metadata"].(map[string]any)
	exchangeID := meta["exchange_id"].(string)

	post := func(userID string, payload map[string]any) *http.Response {
		body, _ := json.Marshal(payload)
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/feedback", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-User-ID", userID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	// Wrong rating value.
	resp := post("u1", map[string]any{"exchange_id": exchangeID, "rating": 3})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Someone else's exchange looks nonexistent.
	resp = post("u2", map[string]any{"exchange_id": exchangeID, "rating": 1})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The owner's first rating lands.
	resp = post("u1", map[string]any{"exchange_id": exchangeID, "rating": 1, "comment": "nice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The second is a conflict.
	resp = post("u1", map[string]any{"exchange_id": exchangeID, "rating": -1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// The aggregate shows one upvote on control.
	statsResp, err := http.Get(env.ts.URL + "/v1/feedback/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats struct {
		Variants []feedback.VariantStats `json:"variants"`
		Degraded []string                `json:"degraded"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	require.Len(t, stats.Variants, 1)
	require.Equal(t, "control", stats.Variants[0].Variant)
	require.Equal(t, int64(1), stats.Variants[0].Up)
	require.Empty(t, stats.Degraded)
}

func TestExperimentAdminLifecycle(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	upsert := map[string]any{
		"key":    "prompt_style",
		"active": true,
		"variants": []map[string]any{
			{"name": "A", "prompt": "Be detailed.", "weight": 100},
		},
	}
	body, _ := json.Marshal(upsert)
	resp, err := http.Post(env.ts.URL+"/v1/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored experiments.Experiment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	require.Equal(t, int64(1), stored.Version)

	// Chat now serves the experiment variant.
	frames := sseFrames(t, postChat(t, env, "u1", "hello"))
	meta := frames[len(frames)-1]["metadata"].(map[string]any)
	require.Equal(t, "A", meta["variant"])

	// List shows it.
	listResp, err := http.Get(env.ts.URL + "/v1/experiments")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listing struct {
		Experiments []experiments.Experiment `json:"experiments"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	require.Len(t, listing.Experiments, 1)

	// Kill flips everyone back to control.
	killResp, err := http.Post(env.ts.URL+"/v1/experiments/prompt_style/kill", "application/json", nil)
	require.NoError(t, err)
	defer killResp.Body.Close()
	require.Equal(t, http.StatusOK, killResp.StatusCode)

	frames = sseFrames(t, postChat(t, env, "u1", "hello again"))
	meta = frames[len(frames)-1]["metadata"].(map[string]any)
	require.Equal(t, "control", meta["variant"])
}

func TestKillUnknownExperiment(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	resp, err := http.Post(env.ts.URL+"/v1/experiments/missing/kill", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Contains(t, health.Components, "estimator")
	require.Contains(t, health.Components, "experiments")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, modelprovider.NewScriptedProvider("ok"), 100)

	sseFrames(t, postChat(t, env, "u1", "hello"))

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "promptlab_chat_requests_total")
}
