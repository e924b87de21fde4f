package llmstream

import (
	"context"
	"strings"
	"sync"
)

// Session owns one conversation's history and enforces the commit/
// rollback contract from spec §4.5: a successful stream appends its
// full text to history as an assistant turn; a failed stream rolls back
// the user turn it was about to answer, so the caller can retry cleanly.
type Session struct {
	provider     Provider
	systemPrompt string

	mu      sync.Mutex
	history []Turn
}

// New returns a Session bound to provider, seeded with systemPrompt.
func New(provider Provider, systemPrompt string) *Session {
	return &Session{provider: provider, systemPrompt: systemPrompt}
}

// StreamUserMessage is the loop's first per-turn entry point: append the
// user's message, stream the response, commit or roll back.
func (s *Session) StreamUserMessage(ctx context.Context, message string) (<-chan Chunk, error) {
	return s.streamWithPendingUserTurn(ctx, message)
}

// StreamNextTurn is the loop's subsequent-turn entry point: the "user
// message" for turn k+1 is the transcript-derived continuation text the
// interaction loop assembled from turn k's execution (per spec §4.5's
// "subsequent transcript-driven turns").
func (s *Session) StreamNextTurn(ctx context.Context, continuation string) (<-chan Chunk, error) {
	return s.streamWithPendingUserTurn(ctx, continuation)
}

func (s *Session) streamWithPendingUserTurn(ctx context.Context, userText string) (<-chan Chunk, error) {
	s.mu.Lock()
	s.history = append(s.history, Turn{Role: RoleUser, Content: userText})
	historySnapshot := append([]Turn{}, s.history...)
	s.mu.Unlock()

	upstream, err := s.provider.Stream(ctx, s.systemPrompt, historySnapshot)
	if err != nil {
		s.rollbackLastUserTurn()
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var full strings.Builder
		var streamErr error
		for c := range upstream {
			if c.Err != nil {
				streamErr = c.Err
				out <- c
				continue
			}
			full.WriteString(c.Text)
			out <- c
		}
		if streamErr != nil {
			s.rollbackLastUserTurn()
			return
		}
		s.commitAssistantTurn(full.String())
	}()
	return out, nil
}

func (s *Session) rollbackLastUserTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 && s.history[n-1].Role == RoleUser {
		s.history = s.history[:n-1]
	}
}

func (s *Session) commitAssistantTurn(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: RoleAssistant, Content: text})
}

// History returns a snapshot of the session's committed history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn{}, s.history...)
}
