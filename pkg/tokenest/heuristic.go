package tokenest

import (
	"context"
	"math"
	"unicode"
)

// charsPerToken is the calibrated character-to-token ratio for English
// text under GPT-style tokenizers. The divide rounds up, and the
// whitespace factor below nudges the estimate further upward, so the
// heuristic over-estimates by a small bounded margin rather than
// under-estimating (under-counting cost is the worse failure).
const charsPerToken = 4

// Heuristic is the character-count token estimator. It mirrors the
// calibration of the dedicated token counter service so local and remote
// estimates agree.
type Heuristic struct{}

// NewHeuristic returns the local character-count estimator.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// EstimateTokens never fails; the error return satisfies Estimator.
func (h *Heuristic) EstimateTokens(_ context.Context, text, _ string) (Estimate, error) {
	return Estimate{Tokens: h.Count(text), Approximate: true, Origin: OriginLocal}, nil
}

// Count estimates the token count of text.
func (h *Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}

	charCount := 0
	whitespaceCount := 0
	for _, r := range text {
		charCount++
		if unicode.IsSpace(r) {
			whitespaceCount++
		}
	}

	base := (charCount + charsPerToken - 1) / charsPerToken

	// Higher whitespace density means shorter words and slightly more
	// tokens per character.
	factor := 1.0 + (float64(whitespaceCount)/float64(charCount))*0.1
	return int(math.Ceil(float64(base) * factor))
}
