// Package ai wraps the text-generation backend behind a small Generator
// interface and provides the resilient JSON extraction used to turn
// free-form model output into structured records.
package ai

import (
	"context"
	"time"
)

// Request is a single generation request.
type Request struct {
	Prompt    string // User prompt
	System    string // Optional system prompt
	MaxTokens int64  // Response token budget (default 4096)
}

// Usage carries the cost metadata for one backend call. It is consumed by
// telemetry and never affects control flow.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// Response is the raw result of one generation call.
type Response struct {
	Text  string
	Usage Usage
}

// Generator is the sole interface to the fallible generation backend.
// Implementations are expected to handle transient backend errors (rate
// limits, timeouts, 5xx) internally with bounded retry; an error returned
// from Generate means the call is not going to succeed without
// intervention upstream.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
