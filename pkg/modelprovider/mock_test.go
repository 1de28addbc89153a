package modelprovider

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptedStreamReplaysChunks(t *testing.T) {
	p := NewScriptedProvider("Hello", ",", " world")
	s, err := p.OpenStream(context.Background(), Request{Model: "mock"})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk.Content)
	}
	require.Equal(t, []string{"Hello", ",", " world"}, got)
}

func TestScriptedStreamInjectedFailure(t *testing.T) {
	p := NewScriptedProvider("a", "b", "c")
	p.FailAfter = 2

	s, err := p.OpenStream(context.Background(), Request{})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 2; i++ {
		_, err := s.Recv()
		require.NoError(t, err)
	}
	_, err = s.Recv()
	require.Error(t, err)
	require.NotEqual(t, io.EOF, err)
}

func TestScriptedStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewScriptedProvider("a").OpenStream(ctx, Request{})
	require.NoError(t, err)
	defer s.Close()

	cancel()
	_, err = s.Recv()
	require.ErrorIs(t, err, context.Canceled)
}

func TestScriptedStreamUsage(t *testing.T) {
	p := NewScriptedProvider("a")
	_, ok := mustStream(t, p).Usage()
	require.False(t, ok)

	p.ReportUsage = &Usage{TokensIn: 10, TokensOut: 1}
	usage, ok := mustStream(t, p).Usage()
	require.True(t, ok)
	require.Equal(t, 10, usage.TokensIn)
}

func mustStream(t *testing.T, p Provider) Stream {
	t.Helper()
	s, err := p.OpenStream(context.Background(), Request{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
