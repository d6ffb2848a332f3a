package kaizen

import (
	"context"

	"github.com/ashita-ai/kaizen/internal/completion"
)

// CompletionClient produces text completions for the diagnoser. When provided
// via WithCompletionClient, it replaces the built-in Anthropic client and
// ANTHROPIC_API_KEY is no longer required. Implementations must be safe for
// concurrent use.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is one completion call. Zero Model, MaxTokens and a nil
// Temperature defer to the client's defaults.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature *float64
}

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// completionAdapter wraps a CompletionClient to satisfy completion.Client.
// Errors that are not already classified are reported as network failures so
// the diagnoser treats them as transient.
type completionAdapter struct {
	c CompletionClient
}

var _ completion.Client = completionAdapter{}

func (a completionAdapter) Complete(ctx context.Context, messages []completion.Message, cfg completion.Config) (completion.Response, error) {
	req := CompletionRequest{
		Model:       cfg.Model,
		System:      cfg.System,
		Messages:    make([]Message, len(messages)),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	for i, m := range messages {
		req.Messages[i] = Message{Role: string(m.Role), Content: m.Content}
	}
	text, err := a.c.Complete(ctx, req)
	if err != nil {
		return completion.Response{}, completion.FromTransport(err)
	}
	return completion.Response{Content: text}, nil
}
