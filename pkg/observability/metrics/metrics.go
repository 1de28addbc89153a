// Package metrics exposes Prometheus instrumentation for the request
// pipeline: admission decisions, streaming outcomes, token and cost
// accounting, and feedback ingestion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatRequestsTotal counts chat exchanges by terminal outcome
	// (completed, errored, disconnected, rejected).
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_chat_requests_total",
			Help: "Total chat exchanges by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// RateLimitDecisionsTotal counts admission decisions by provider and result.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_rate_limit_decisions_total",
			Help: "Rate limiter admission decisions by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// TokensTotal accumulates estimated tokens by direction (in, out).
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_tokens_total",
			Help: "Estimated tokens processed, by direction.",
		},
		[]string{"direction", "model"},
	)

	// CostUSDTotal accumulates estimated spend in USD.
	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_cost_usd_total",
			Help: "Estimated cost of completed exchanges in USD.",
		},
		[]string{"model"},
	)

	// StreamDurationSeconds observes wall-clock latency from admission to
	// stream end.
	StreamDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptlab_stream_duration_seconds",
			Help:    "Exchange duration from admission to terminal event.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// EstimatorFallbacksTotal counts times the remote estimator was
	// substituted with the local heuristic.
	EstimatorFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptlab_estimator_fallbacks_total",
			Help: "Remote token estimator failures absorbed by the local heuristic.",
		},
	)

	// VariantAssignmentsTotal counts variant assignments by experiment and variant.
	VariantAssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_variant_assignments_total",
			Help: "Experiment variant assignments.",
		},
		[]string{"experiment", "variant"},
	)

	// FeedbackTotal counts accepted feedback by variant and rating.
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptlab_feedback_total",
			Help: "Accepted feedback records by variant and rating.",
		},
		[]string{"variant", "rating"},
	)
)

// RecordExchange updates the per-exchange metrics in one place so the
// orchestrator's finalize path stays small.
func RecordExchange(outcome, model string, tokensIn, tokensOut int, costUSD, durationSeconds float64) {
	ChatRequestsTotal.WithLabelValues(outcome).Inc()
	StreamDurationSeconds.WithLabelValues(outcome).Observe(durationSeconds)
	if tokensIn > 0 {
		TokensTotal.WithLabelValues("in", model).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		TokensTotal.WithLabelValues("out", model).Add(float64(tokensOut))
	}
	if costUSD > 0 {
		CostUSDTotal.WithLabelValues(model).Add(costUSD)
	}
}
