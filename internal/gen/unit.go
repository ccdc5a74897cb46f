// Package gen provides the generation unit: one bounded request/retry
// cycle against the generation backend, producing either a structured
// record or a raw content blob.
//
// The unit is the only place the fallible backend is invoked on behalf of
// pipeline stages. Attempts are independent: a retry resends the same
// prompt, never resumes a partial response.
package gen

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/types"
)

// DefaultMaxAttempts bounds the retry cycle when the caller does not
// configure one.
const DefaultMaxAttempts = 3

// DefaultMinRawLength is the minimum content length accepted in raw mode.
// Shorter responses are treated the same as empty output.
const DefaultMinRawLength = 20

// Failure reports that a unit exhausted its attempts. It carries the last
// raw output for diagnostics.
type Failure struct {
	Operation string
	Attempts  int
	Reason    string
	LastRaw   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("generation of %s failed after %d attempts: %s", f.Operation, f.Attempts, f.Reason)
}

// Unit drives generation attempts against a backend.
type Unit struct {
	gen          ai.Generator
	maxAttempts  int
	minRawLength int
	sink         events.Sink

	runID string
	stage types.Stage
}

// Option configures a Unit.
type Option func(*Unit)

// WithMaxAttempts overrides the default attempt bound.
func WithMaxAttempts(n int) Option {
	return func(u *Unit) {
		if n > 0 {
			u.maxAttempts = n
		}
	}
}

// WithMinRawLength overrides the minimum raw content length.
func WithMinRawLength(n int) Option {
	return func(u *Unit) {
		if n > 0 {
			u.minRawLength = n
		}
	}
}

// WithTelemetry attaches a sink and the run/stage identity used for usage
// events.
func WithTelemetry(sink events.Sink, runID string, stage types.Stage) Option {
	return func(u *Unit) {
		u.sink = sink
		u.runID = runID
		u.stage = stage
	}
}

// New creates a generation unit over a backend.
func New(generator ai.Generator, opts ...Option) *Unit {
	u := &Unit{
		gen:          generator,
		maxAttempts:  DefaultMaxAttempts,
		minRawLength: DefaultMinRawLength,
		sink:         events.NullSink{},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// MaxAttempts returns the unit's attempt bound.
func (u *Unit) MaxAttempts() int {
	return u.maxAttempts
}

// generate performs one backend call and emits usage telemetry.
func (u *Unit) generate(ctx context.Context, operation string, req ai.Request) (*ai.Response, error) {
	resp, err := u.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	u.sink.Record(ctx, events.NewGenerationUsage(u.runID, u.stage, operation,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.Duration))
	return resp, nil
}

// Raw runs the unit in raw-text mode: the response is accepted as-is
// provided it is non-empty and above the minimum length threshold.
func Raw(ctx context.Context, u *Unit, operation string, req ai.Request) (string, error) {
	var lastRaw, lastReason string

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%s canceled: %w", operation, err)
		}

		resp, err := u.generate(ctx, operation, req)
		if err != nil {
			lastReason = fmt.Sprintf("backend: %v", err)
			continue
		}

		content := strings.TrimSpace(resp.Text)
		if len(content) < u.minRawLength {
			lastRaw = resp.Text
			lastReason = fmt.Sprintf("content below %d character minimum", u.minRawLength)
			continue
		}
		return content, nil
	}

	return "", &Failure{
		Operation: operation,
		Attempts:  u.maxAttempts,
		Reason:    lastReason,
		LastRaw:   lastRaw,
	}
}

// Structured runs the unit in schema mode: the response is piped through
// the extraction layer, then through the caller's correction hook.
//
// The correct hook applies the schema-level self-corrections documented at
// each call site (for example forcing build_failed on a failed build, or
// recomputing a complexity score from its factors) and returns an error if
// the corrected record still violates a structural invariant. A correction
// error is treated as malformed output and triggers a fresh attempt.
func Structured[T any](ctx context.Context, u *Unit, operation string, req ai.Request, correct func(*T) error) (*T, error) {
	var lastRaw, lastReason string

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s canceled: %w", operation, err)
		}

		resp, err := u.generate(ctx, operation, req)
		if err != nil {
			lastReason = fmt.Sprintf("backend: %v", err)
			continue
		}
		lastRaw = resp.Text

		record, err := ai.Extract[T](resp.Text)
		if err != nil {
			lastReason = err.Error()
			continue
		}

		if correct != nil {
			if err := correct(&record); err != nil {
				lastReason = fmt.Sprintf("invalid record: %v", err)
				continue
			}
		}
		return &record, nil
	}

	return nil, &Failure{
		Operation: operation,
		Attempts:  u.maxAttempts,
		Reason:    lastReason,
		LastRaw:   lastRaw,
	}
}
