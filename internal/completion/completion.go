// Package completion is the LLM capability the diagnoser depends on: a
// provider-neutral Client, a typed error taxonomy, and an Anthropic adapter.
package completion

import "context"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Config tunes a single completion request. Zero values defer to the client's
// defaults.
type Config struct {
	Model       string
	System      string
	MaxTokens   int64
	Temperature *float64
}

// Usage is the token accounting for one request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the text produced by a completion.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client produces completions. Implementations must be safe for concurrent
// use and return *Error for every failure.
type Client interface {
	Complete(ctx context.Context, messages []Message, cfg Config) (Response, error)
}

// Temperature is a convenience for Config.Temperature.
func Temperature(t float64) *float64 { return &t }
