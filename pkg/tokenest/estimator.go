// Package tokenest provides approximate token counting and cost estimation
// for model requests.
//
// Two estimation paths exist:
//
//   - Local: a character-count heuristic (or optionally tiktoken BPE)
//     that is always available and sub-millisecond.
//   - Remote: an HTTP delegate (the high-throughput token counter service)
//     preferred when configured and healthy.
//
// The Chain estimator prefers the remote path and substitutes the local
// heuristic transparently on any failure; callers never observe an error
// from the substitution, only the Origin marker on the result.
package tokenest

import "context"

// Origin records which path produced an estimate.
type Origin string

const (
	// OriginLocal means the local estimator handled the request directly.
	OriginLocal Origin = "local"
	// OriginRemote means the remote delegate produced the estimate.
	OriginRemote Origin = "remote"
	// OriginLocalFallback means the remote delegate failed and the local
	// estimator was substituted.
	OriginLocalFallback Origin = "local_fallback"
)

// Estimate is an approximate token count for a text payload.
type Estimate struct {
	Tokens int
	// Approximate is always true for heuristic estimators; tiktoken sets
	// it false since BPE counts are exact for the chosen encoding.
	Approximate bool
	Origin      Origin
}

// CostEstimate is the dollar cost of an exchange.
type CostEstimate struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Model     string
	// DefaultPricing marks that the model was not in the price table and
	// the default rate was applied.
	DefaultPricing bool
}

// Estimator produces approximate token counts for text payloads.
// Implementations must be safe for unlimited concurrent calls.
type Estimator interface {
	// EstimateTokens returns an approximate token count for text under
	// the given model. It must not fail when a local fallback exists.
	EstimateTokens(ctx context.Context, text, model string) (Estimate, error)
}
