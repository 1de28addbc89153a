package tokenest

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tiktoken counts tokens by running the model's BPE encoding. Slower than
// the heuristic but exact for supported models; unsupported models fall
// back to the heuristic.
type Tiktoken struct {
	heuristic *Heuristic

	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktoken returns a BPE-backed estimator with heuristic fallback.
func NewTiktoken() *Tiktoken {
	return &Tiktoken{
		heuristic: NewHeuristic(),
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

func (t *Tiktoken) EstimateTokens(ctx context.Context, text, model string) (Estimate, error) {
	enc, err := t.encodingFor(model)
	if err != nil {
		return t.heuristic.EstimateTokens(ctx, text, model)
	}
	return Estimate{
		Tokens:      len(enc.Encode(text, nil, nil)),
		Approximate: false,
		Origin:      OriginLocal,
	}, nil
}

func (t *Tiktoken) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	t.mu.RLock()
	enc, ok := t.encodings[model]
	t.mu.RUnlock()
	if ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.encodings[model] = enc
	t.mu.Unlock()
	return enc, nil
}
