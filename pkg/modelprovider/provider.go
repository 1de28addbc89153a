// Package modelprovider abstracts the upstream generative model behind a
// streaming interface so the pipeline can run against OpenAI in
// production and a scripted provider in tests and development.
package modelprovider

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent upstream.
type Message struct {
	Role    string
	Content string
}

// Request is one streaming completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
}

// Chunk is one streamed token delta. Content may be empty for protocol
// frames that carry no text.
type Chunk struct {
	Content string
}

// Usage is the provider-reported token accounting, when available.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// Stream is one open completion stream. Recv returns io.EOF when the
// stream ends normally; any other error means the stream died. Close
// releases the underlying connection and is safe to call at any point,
// including mid-stream on client disconnect.
type Stream interface {
	Recv() (Chunk, error)
	// Usage reports the provider's own token counts if the stream
	// delivered them; ok is false when the caller must estimate instead.
	Usage() (Usage, bool)
	Close() error
}

// Provider opens completion streams against one upstream.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, req Request) (Stream, error)
}
