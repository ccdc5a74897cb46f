// Package events defines the telemetry events emitted during a pipeline
// run. Events are purely observational: sinks may drop them, and no
// component's control flow depends on whether an event was recorded.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/types"
)

// Type identifies what happened.
type Type string

const (
	// TypeStageStarted indicates a pipeline stage began executing
	TypeStageStarted Type = "stage_started"
	// TypeStageCompleted indicates a pipeline stage finished (pass or fail)
	TypeStageCompleted Type = "stage_completed"
	// TypeBackwardHop indicates corrective feedback was routed upstream
	TypeBackwardHop Type = "backward_hop"
	// TypeReviewerUnavailable indicates a review specialist failed and its
	// coverage was silently dropped from the report
	TypeReviewerUnavailable Type = "reviewer_unavailable"
	// TypeFileGap indicates a manifest entry exhausted its generation retries
	TypeFileGap Type = "file_gap"
	// TypeGenerationUsage carries token and latency metadata for one backend call
	TypeGenerationUsage Type = "generation_usage"
	// TypeEscalation indicates the run reached the escalated terminal state
	TypeEscalation Type = "escalation"
	// TypeRunCompleted indicates the run reached a terminal state
	TypeRunCompleted Type = "run_completed"
)

// Severity indicates how notable an event is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one telemetry record.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id"`
	Stage     types.Stage    `json:"stage,omitempty"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink consumes events. Record must never block the pipeline on failure;
// implementations log and move on.
type Sink interface {
	Record(ctx context.Context, event *Event)
}

// New creates an event with a fresh id and timestamp.
func New(eventType Type, runID string, stage types.Stage, severity Severity, message string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Stage:     stage,
		Severity:  severity,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewStageStarted creates an event marking the start of a stage.
func NewStageStarted(runID string, stage types.Stage) *Event {
	return New(TypeStageStarted, runID, stage, SeverityInfo, "stage started", nil)
}

// NewStageCompleted creates an event marking the end of a stage.
func NewStageCompleted(runID string, stage types.Stage, success bool, duration time.Duration) *Event {
	sev := SeverityInfo
	msg := "stage completed"
	if !success {
		sev = SeverityError
		msg = "stage failed"
	}
	return New(TypeStageCompleted, runID, stage, sev, msg, map[string]any{
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	})
}

// NewBackwardHop creates an event recording a feedback routing decision.
func NewBackwardHop(runID string, from, to types.Stage, hopCount, issueCount int) *Event {
	return New(TypeBackwardHop, runID, from, SeverityWarning, "feedback routed upstream", map[string]any{
		"target":      string(to),
		"hop_count":   hopCount,
		"issue_count": issueCount,
	})
}

// NewReviewerUnavailable creates an event recording a specialist outage.
// This is the only visibility the pipeline gives reviewer failures: the
// review report itself silently omits the failed specialist's coverage.
func NewReviewerUnavailable(runID, reviewer string, err error) *Event {
	return New(TypeReviewerUnavailable, runID, types.StageReview, SeverityWarning, "review specialist unavailable", map[string]any{
		"reviewer": reviewer,
		"error":    err.Error(),
	})
}

// NewFileGap creates an event recording a per-file generation failure.
func NewFileGap(runID, path, reason string, attempts int) *Event {
	return New(TypeFileGap, runID, types.StageCode, SeverityWarning, "file generation gap", map[string]any{
		"path":     path,
		"reason":   reason,
		"attempts": attempts,
	})
}

// NewGenerationUsage creates an event carrying backend call cost metadata.
func NewGenerationUsage(runID string, stage types.Stage, operation string, inputTokens, outputTokens int64, duration time.Duration) *Event {
	return New(TypeGenerationUsage, runID, stage, SeverityInfo, "generation call", map[string]any{
		"operation":     operation,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"duration_ms":   duration.Milliseconds(),
	})
}

// NewEscalation creates an event recording a terminal escalation.
func NewEscalation(runID string, stage types.Stage, reason string, hopCount int) *Event {
	return New(TypeEscalation, runID, stage, SeverityError, "run escalated to human intervention", map[string]any{
		"reason":    reason,
		"hop_count": hopCount,
	})
}

// NewRunCompleted creates an event recording the terminal state of a run.
func NewRunCompleted(runID string, final types.Stage, hopCount int) *Event {
	return New(TypeRunCompleted, runID, final, SeverityInfo, "run completed", map[string]any{
		"final_stage": string(final),
		"hop_count":   hopCount,
	})
}

// LogSink writes events to slog.
type LogSink struct{}

// Record logs the event.
func (LogSink) Record(_ context.Context, event *Event) {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, event.Message,
		"event_type", string(event.Type),
		"run_id", event.RunID,
		"stage", string(event.Stage),
		"data", event.Data)
}

// NullSink discards all events.
type NullSink struct{}

// Record discards the event.
func (NullSink) Record(context.Context, *Event) {}

// Multi fans one event out to several sinks.
type Multi []Sink

// Record forwards the event to every sink.
func (m Multi) Record(ctx context.Context, event *Event) {
	for _, sink := range m {
		sink.Record(ctx, event)
	}
}

// History retains every recorded event in order. Run-scoped derivations
// (the postmortem) read it back, so it must sit in the sink chain shared
// by every component of a run, not just the orchestrator, or events
// recorded directly by components never reach it.
type History struct {
	mu     sync.Mutex
	events []*Event
}

// Record retains the event.
func (h *History) Record(_ context.Context, event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

// Events returns the retained events in recording order.
func (h *History) Events() []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Event, len(h.events))
	copy(out, h.events)
	return out
}
