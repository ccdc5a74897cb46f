// Package storage defines the persistence collaborator for pipeline runs.
// The orchestrator commits artifacts after each stage; a persistence
// failure is logged and never rolls back an in-memory state transition.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/types"
)

// Run is the durable record of one pipeline run.
type Run struct {
	ID           string      `json:"id"`
	TaskID       string      `json:"task_id"`
	Description  string      `json:"description"`
	State        types.Stage `json:"state"`
	BackwardHops int         `json:"backward_hops"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ArtifactKind names the type of a persisted stage artifact.
type ArtifactKind string

const (
	ArtifactPlan       ArtifactKind = "plan"
	ArtifactDesign     ArtifactKind = "design"
	ArtifactReview     ArtifactKind = "review"
	ArtifactCode       ArtifactKind = "code"
	ArtifactTestReport ArtifactKind = "test_report"
	ArtifactPostmortem ArtifactKind = "postmortem"
)

// Artifact is one versioned stage output. Artifacts are append-only:
// a re-run stores a new revision rather than replacing the prior one.
type Artifact struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      ArtifactKind    `json:"kind"`
	Revision  int             `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Storage persists runs, their stage artifacts, and telemetry events.
type Storage interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	SaveArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)

	RecordEvent(ctx context.Context, event *events.Event) error
	ListEvents(ctx context.Context, runID string) ([]*events.Event, error)

	Close() error
}
