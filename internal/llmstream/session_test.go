package llmstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainChunks(t *testing.T, ch <-chan Chunk) ([]string, error) {
	t.Helper()
	var texts []string
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return texts, nil
			}
			if c.Err != nil {
				return texts, c.Err
			}
			texts = append(texts, c.Text)
		case <-time.After(time.Second):
			t.Fatal("timed out draining stream")
		}
	}
}

func TestSession_SuccessfulStreamCommitsBothTurns(t *testing.T) {
	p := NewFakeProvider(FakeResponse{Chunks: []string{"hi ", "there"}})
	s := New(p, "be helpful")

	out, err := s.StreamUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	texts, streamErr := drainChunks(t, out)
	require.NoError(t, streamErr)
	assert.Equal(t, []string{"hi ", "there"}, texts)

	// No wait needed: the channel is closed only after the commit.
	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, RoleUser, hist[0].Role)
	assert.Equal(t, "hello", hist[0].Content)
	assert.Equal(t, RoleAssistant, hist[1].Role)
	assert.Equal(t, "hi there", hist[1].Content)
}

func TestSession_ProviderErrorRollsBackUserTurn(t *testing.T) {
	boom := errors.New("boom")
	p := NewFakeProvider(FakeResponse{Err: boom})
	s := New(p, "")

	_, err := s.StreamUserMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.History())
}

func TestSession_MidStreamErrorRollsBackUserTurn(t *testing.T) {
	boom := errors.New("mid-stream boom")
	p := NewFakeProvider(FakeResponse{Chunks: []string{"partial"}, MidErr: boom})
	s := New(p, "")

	out, err := s.StreamUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	_, streamErr := drainChunks(t, out)
	assert.ErrorIs(t, streamErr, boom)

	deadline := time.After(time.Second)
	for len(s.History()) != 0 {
		select {
		case <-deadline:
			t.Fatal("rollback never observed")
		default:
		}
	}
	assert.Empty(t, s.History())
}
