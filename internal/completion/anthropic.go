package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// DefaultModel is used when neither AnthropicConfig nor the request names one.
const DefaultModel = "claude-sonnet-4-5-20250929"

const defaultMaxTokens = 2048

// RetryConfig controls retries of retryable failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration // per attempt
}

// DefaultRetryConfig returns conservative defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           60 * time.Second,
	}
}

// AnthropicConfig configures NewAnthropic.
type AnthropicConfig struct {
	APIKey         string
	Model          string
	RequestsPerSec float64 // <= 0 disables pacing
	Retry          RetryConfig
	Logger         *slog.Logger
}

// Anthropic is a Client backed by the Anthropic Messages API.
type Anthropic struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *slog.Logger
}

var _ Client = (*Anthropic)(nil)

// NewAnthropic builds a client. An empty API key is an auth error rather than
// a deferred failure on first use.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, &Error{Kind: KindAuth, Message: "ANTHROPIC_API_KEY not set"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Anthropic{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			// Retries are ours so they share pacing with first attempts.
			option.WithMaxRetries(0),
		),
		model:   cfg.Model,
		limiter: limiter,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}, nil
}

// Complete sends messages and returns the concatenated text blocks.
func (a *Anthropic) Complete(ctx context.Context, messages []Message, cfg Config) (Response, error) {
	if len(messages) == 0 {
		return Response{}, &Error{Kind: KindInvalidRequest, Message: "no messages"}
	}
	params := a.params(messages, cfg)

	var out Response
	err := a.withRetry(ctx, func(attemptCtx context.Context) error {
		resp, err := a.client.Messages.New(attemptCtx, params)
		if err != nil {
			return classifyAnthropic(err)
		}
		text, err := responseText(resp)
		if err != nil {
			return err
		}
		out = Response{
			Content: text,
			Usage: Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		}
		return nil
	})
	return out, err
}

func (a *Anthropic) params(messages []Message, cfg Config) anthropic.MessageNewParams {
	model := cfg.Model
	if model == "" {
		model = a.model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if cfg.System != "" {
		p.System = []anthropic.TextBlockParam{{Text: cfg.System}}
	}
	if cfg.Temperature != nil {
		p.Temperature = anthropic.Float(*cfg.Temperature)
	}
	return p
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// exhausts MaxRetries, backing off exponentially between attempts.
func (a *Anthropic) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	backoff := a.retry.InitialBackoff

	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return FromTransport(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.retry.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 0 {
				a.logger.Info("completion: succeeded after retry", "attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !IsRetryable(err) || attempt == a.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return FromTransport(ctx.Err())
		}

		a.logger.Warn("completion: retrying",
			"attempt", attempt+1, "max_attempts", a.retry.MaxRetries+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * a.retry.BackoffMultiplier)
			if backoff > a.retry.MaxBackoff {
				backoff = a.retry.MaxBackoff
			}
		case <-ctx.Done():
			return FromTransport(ctx.Err())
		}
	}
	return lastErr
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	return FromTransport(err)
}

func responseText(resp *anthropic.Message) (string, error) {
	if resp == nil {
		return "", Unexpected("empty response")
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", Unexpected("no text content in response (stop reason %s)", resp.StopReason)
	}
	return b.String(), nil
}

// String identifies the adapter in logs.
func (a *Anthropic) String() string {
	return fmt.Sprintf("anthropic(%s)", a.model)
}
