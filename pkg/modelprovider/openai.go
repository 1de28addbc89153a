package modelprovider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider streams chat completions from the OpenAI API (or any
// compatible endpoint via base URL override).
type OpenAIProvider struct {
	client openai.Client
}

// OpenAIOptions configures the OpenAI provider. The API key comes from
// OPENAI_API_KEY when empty.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIProvider builds a provider over the official client.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(clientOpts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) OpenStream(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &openaiStream{inner: s}, nil
}

type openaiStream struct {
	inner *ssestream.Stream[openai.ChatCompletionChunk]

	// Usage can be read from a different goroutine than the one blocked
	// in Recv when the caller abandons the stream mid-flight, so the
	// captured fields are mutex-guarded.
	mu       sync.Mutex
	usage    Usage
	hasUsage bool
}

func (s *openaiStream) Recv() (Chunk, error) {
	for s.inner.Next() {
		chunk := s.inner.Current()
		if chunk.Usage.TotalTokens > 0 {
			s.mu.Lock()
			s.usage = Usage{
				TokensIn:  int(chunk.Usage.PromptTokens),
				TokensOut: int(chunk.Usage.CompletionTokens),
			}
			s.hasUsage = true
			s.mu.Unlock()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return Chunk{Content: chunk.Choices[0].Delta.Content}, nil
	}
	if err := s.inner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("completion stream: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *openaiStream) Usage() (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.hasUsage
}

func (s *openaiStream) Close() error { return s.inner.Close() }
