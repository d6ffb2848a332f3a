// Package completiontest provides a deterministic completion.Client.
package completiontest

import (
	"context"
	"sync"

	"github.com/ashita-ai/kaizen/internal/completion"
)

// Call is one recorded request.
type Call struct {
	Messages []completion.Message
	Config   completion.Config
}

type step struct {
	content string
	err     error
}

// Scripted replays queued responses in order. When the queue is empty it
// returns the fallback if one is set, otherwise an unexpected-response error.
type Scripted struct {
	mu       sync.Mutex
	steps    []step
	fallback *step
	calls    []Call
}

var _ completion.Client = (*Scripted)(nil)

// New returns a Scripted client that will answer with contents in order.
func New(contents ...string) *Scripted {
	s := &Scripted{}
	for _, c := range contents {
		s.Push(c)
	}
	return s
}

// Push queues a successful response.
func (s *Scripted) Push(content string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{content: content})
	return s
}

// PushError queues a failure.
func (s *Scripted) PushError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{err: err})
	return s
}

// Always answers every request past the queue with content.
func (s *Scripted) Always(content string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &step{content: content}
	return s
}

// Complete implements completion.Client.
func (s *Scripted) Complete(ctx context.Context, messages []completion.Message, cfg completion.Config) (completion.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Messages: append([]completion.Message(nil), messages...), Config: cfg})
	if err := ctx.Err(); err != nil {
		return completion.Response{}, completion.FromTransport(err)
	}

	var next step
	switch {
	case len(s.steps) > 0:
		next = s.steps[0]
		s.steps = s.steps[1:]
	case s.fallback != nil:
		next = *s.fallback
	default:
		return completion.Response{}, completion.Unexpected("completiontest: no scripted response")
	}
	if next.err != nil {
		return completion.Response{}, next.err
	}
	return completion.Response{
		Content: next.content,
		Usage:   completion.Usage{InputTokens: int64(len(messages)), OutputTokens: int64(len(next.content))},
	}, nil
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of requests seen so far.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
