package modelprovider

import (
	"context"
	"io"
	"sync"
	"time"
)

// ScriptedProvider replays a fixed chunk sequence. It backs the "mock"
// provider mode for local development and the pipeline tests.
type ScriptedProvider struct {
	// Chunks are the token deltas to replay, in order.
	Chunks []string
	// FailAfter injects a stream error after this many chunks; negative
	// disables injection.
	FailAfter int
	// Err is the injected error; defaults to a generic one.
	Err error
	// ChunkDelay paces the replay to simulate generation latency.
	ChunkDelay time.Duration
	// ReportUsage makes streams report provider-side token counts.
	ReportUsage *Usage
}

// NewScriptedProvider replays the given chunks with no injected failure.
func NewScriptedProvider(chunks ...string) *ScriptedProvider {
	return &ScriptedProvider{Chunks: chunks, FailAfter: -1}
}

func (p *ScriptedProvider) Name() string { return "mock" }

func (p *ScriptedProvider) OpenStream(ctx context.Context, req Request) (Stream, error) {
	return &scriptedStream{provider: p, ctx: ctx}, nil
}

type scriptedStream struct {
	provider *ScriptedProvider
	ctx      context.Context

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if s.provider.ChunkDelay > 0 {
		select {
		case <-time.After(s.provider.ChunkDelay):
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	} else if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if s.provider.FailAfter >= 0 && s.pos == s.provider.FailAfter {
		err := s.provider.Err
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Chunk{}, err
	}
	if s.pos >= len(s.provider.Chunks) {
		return Chunk{}, io.EOF
	}
	chunk := Chunk{Content: s.provider.Chunks[s.pos]}
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Usage() (Usage, bool) {
	if s.provider.ReportUsage == nil {
		return Usage{}, false
	}
	return *s.provider.ReportUsage, true
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
