package modelprovider

import (
	"io"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"
)

// replayDecoder feeds canned SSE events into an openaiStream.
type replayDecoder struct {
	events []ssestream.Event
	pos    int
}

func (d *replayDecoder) Next() bool {
	if d.pos >= len(d.events) {
		return false
	}
	d.pos++
	return true
}

func (d *replayDecoder) Event() ssestream.Event { return d.events[d.pos-1] }
func (d *replayDecoder) Close() error           { return nil }
func (d *replayDecoder) Err() error             { return nil }

func newReplayStream(data ...string) *openaiStream {
	events := make([]ssestream.Event, 0, len(data))
	for _, d := range data {
		events = append(events, ssestream.Event{Data: []byte(d)})
	}
	return &openaiStream{
		inner: ssestream.NewStream[openai.ChatCompletionChunk](&replayDecoder{events: events}, nil),
	}
}

const (
	chunkHello = `{"choices":[{"delta":{"content":"Hello"}}]}`
	chunkWorld = `{"choices":[{"delta":{"content":" world"}}]}`
	chunkUsage = `{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`
)

func TestOpenAIStreamRecvAndUsage(t *testing.T) {
	s := newReplayStream(chunkHello, chunkWorld, chunkUsage)

	c, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "Hello", c.Content)

	c, err = s.Recv()
	require.NoError(t, err)
	require.Equal(t, " world", c.Content)

	// The usage-only frame has not been consumed yet.
	_, ok := s.Usage()
	require.False(t, ok)

	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)

	u, ok := s.Usage()
	require.True(t, ok)
	require.Equal(t, Usage{TokensIn: 3, TokensOut: 5}, u)
}

func TestOpenAIStreamUsageConcurrentWithRecv(t *testing.T) {
	// Usage is read from outside the receiving goroutine when the caller
	// abandons the stream on a timeout or disconnect. Run both sides
	// concurrently so the race detector checks the capture.
	data := make([]string, 0, 200)
	for i := 0; i < 100; i++ {
		data = append(data, chunkHello, chunkUsage)
	}
	s := newReplayStream(data...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := s.Recv(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			u, ok := s.Usage()
			require.True(t, ok)
			require.Equal(t, Usage{TokensIn: 3, TokensOut: 5}, u)
			return
		default:
			s.Usage()
		}
	}
}
