package ai

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel is the model used for all pipeline stages unless
	// overridden by config or the LOOM_MODEL environment variable.
	DefaultModel = "claude-sonnet-4-5-20250929"

	defaultMaxTokens = 4096
)

// ResolveModel returns the model to use, checking the LOOM_MODEL
// environment variable before falling back to the configured or default
// model.
func ResolveModel(configured string) string {
	if model := os.Getenv("LOOM_MODEL"); model != "" {
		return model
	}
	if configured != "" {
		return configured
	}
	return DefaultModel
}

// Client is the Anthropic-backed Generator. It owns the transient-failure
// handling for the backend: bounded retry with exponential backoff, a
// circuit breaker, a concurrency cap, and request pacing.
type Client struct {
	client  *anthropic.Client
	model   string
	retry   RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

var _ Generator = (*Client)(nil)

// ClientConfig holds backend client configuration.
type ClientConfig struct {
	APIKey string // If empty, reads from ANTHROPIC_API_KEY
	Model  string // If empty, resolved via ResolveModel
	Retry  RetryConfig
}

// NewClient creates an Anthropic-backed generator.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	c := &Client{
		client: &client,
		model:  ResolveModel(cfg.Model),
		retry:  retry,
	}
	if retry.CircuitBreakerEnabled {
		c.breaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}
	if retry.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if retry.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(retry.RequestsPerSecond), 1)
	}
	return c, nil
}

// Model returns the model this client generates with.
func (c *Client) Model() string {
	return c.model
}

// Generate performs one generation call, retrying transient backend
// failures internally.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	var message *anthropic.Message
	err := c.retryWithBackoff(ctx, "generate", func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, params)
		if apiErr != nil {
			return apiErr
		}
		message = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend call failed: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text: text,
		Usage: Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
			Duration:     time.Since(start),
		},
	}, nil
}
