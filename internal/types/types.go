// Package types defines the core artifact types that flow through the
// pipeline: task requirements, plans, design specifications, review
// reports, generated code, and test reports.
//
// Artifacts are versioned by recreation: a re-plan or re-design produces a
// new object with a bumped revision, never a mutation of the prior one.
// The orchestrator decides which revision is current.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies one step of the pipeline.
type Stage string

const (
	StagePlanning   Stage = "planning"
	StageDesign     Stage = "design"
	StageReview     Stage = "review"
	StageCode       Stage = "code"
	StageTest       Stage = "test"
	StagePostmortem Stage = "postmortem"
	StageDone       Stage = "done"
	StageEscalated  Stage = "escalated"
)

// IsTerminal reports whether the stage is a terminal pipeline state.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageEscalated
}

// IsValid checks if the stage value is valid.
func (s Stage) IsValid() bool {
	switch s {
	case StagePlanning, StageDesign, StageReview, StageCode, StageTest,
		StagePostmortem, StageDone, StageEscalated:
		return true
	}
	return false
}

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// TaskRequirements is the immutable input to a pipeline run. It is created
// once per run and never mutated.
type TaskRequirements struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Requirements string    `json:"requirements,omitempty"`
	ContextRefs  []string  `json:"context_refs,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks that the task carries enough information to plan from.
func (t *TaskRequirements) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("task description is required")
	}
	return nil
}

// ComplexityFactors are the declared inputs to the complexity score.
// Each factor is rated 1 (trivial) to 5 (severe).
type ComplexityFactors struct {
	Scope        int `json:"scope"`
	Novelty      int `json:"novelty"`
	Dependencies int `json:"dependencies"`
	Risk         int `json:"risk"`
}

// SemanticUnit is one decomposed piece of work inside a plan. Units are
// owned exclusively by the plan that contains them.
type SemanticUnit struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Factors     ComplexityFactors `json:"factors"`
	Complexity  float64           `json:"complexity"`
}

// ProjectPlan is an ordered sequence of semantic units plus aggregate
// complexity. Each planning invocation (including re-plans) produces a new
// plan; Revision increases monotonically across re-plans for a task.
type ProjectPlan struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Units           []SemanticUnit `json:"units"`
	TotalComplexity float64        `json:"total_complexity"`
	Revision        int            `json:"revision"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DesignComponent is one named piece of a design specification.
type DesignComponent struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility"`
	Interfaces     []string `json:"interfaces,omitempty"`
}

// DesignSpecification is the design artifact for a task. PlanID is a weak
// reference (id only) to the plan revision it was built from.
type DesignSpecification struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	PlanID     string            `json:"plan_id"`
	Overview   string            `json:"overview"`
	Components []DesignComponent `json:"components"`
	DataModel  string            `json:"data_model,omitempty"`
	Revision   int               `json:"revision"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FileManifestEntry declares one file to be generated before its content
// exists. Paths within a manifest must be pairwise unique.
type FileManifestEntry struct {
	Path           string `json:"path"`
	FileType       string `json:"file_type"`
	Responsibility string `json:"responsibility"`
	EstimatedLines int    `json:"estimated_lines,omitempty"`
}

// GeneratedFile is immutable once produced.
type GeneratedFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	FileType    string `json:"file_type,omitempty"`
	ComponentID string `json:"component_id,omitempty"`
}

// FileGap records a manifest entry whose content generation exhausted its
// retries. Gaps allow partial delivery with an explicit hole instead of
// total loss of work.
type FileGap struct {
	Path     string `json:"path"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// GeneratedCode aggregates the files produced for one task. FileCount and
// TotalBytes are derived from Files; use NewGeneratedCode so they can never
// drift from the file list.
type GeneratedCode struct {
	TaskID     string          `json:"task_id"`
	Files      []GeneratedFile `json:"files"`
	Gaps       []FileGap       `json:"gaps,omitempty"`
	FileCount  int             `json:"file_count"`
	TotalBytes int             `json:"total_bytes"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewGeneratedCode builds a GeneratedCode with its derived totals computed
// from the file list.
func NewGeneratedCode(taskID string, files []GeneratedFile, gaps []FileGap) *GeneratedCode {
	code := &GeneratedCode{
		TaskID:    taskID,
		Files:     files,
		Gaps:      gaps,
		CreatedAt: time.Now(),
	}
	code.FileCount = len(files)
	for _, f := range files {
		code.TotalBytes += len(f.Content)
	}
	return code
}

// Validate checks the derived totals against the file list.
func (g *GeneratedCode) Validate() error {
	if g.FileCount != len(g.Files) {
		return fmt.Errorf("file_count %d does not match %d files", g.FileCount, len(g.Files))
	}
	total := 0
	for _, f := range g.Files {
		total += len(f.Content)
	}
	if g.TotalBytes != total {
		return fmt.Errorf("total_bytes %d does not match recomputed %d", g.TotalBytes, total)
	}
	return nil
}

// Defect is a problem found in generated code.
type Defect struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"` // taxonomy code, e.g. "LOGIC", "BUILD", "API"
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
}

// TestStatus is the overall verdict of a test run.
type TestStatus string

const (
	TestStatusPass        TestStatus = "pass"
	TestStatusFail        TestStatus = "fail"
	TestStatusBuildFailed TestStatus = "build_failed"
)

// TestReport describes the outcome of building and testing generated code.
//
// Invariant: BuildSuccessful == false forces TestStatus == build_failed.
// Normalize applies that correction; Validate rejects reports whose summary
// counts disagree with the defect list.
type TestReport struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	BuildSuccessful bool             `json:"build_successful"`
	TestStatus      TestStatus       `json:"test_status"`
	Defects         []Defect         `json:"defects,omitempty"`
	TotalDefects    int              `json:"total_defects"`
	DefectCounts    map[Severity]int `json:"defect_counts,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Normalize applies the known self-corrections to a freshly parsed report:
// a failed build always reports build_failed regardless of what the
// generator claimed the test status was.
func (r *TestReport) Normalize() {
	if !r.BuildSuccessful {
		r.TestStatus = TestStatusBuildFailed
	}
}

// Validate checks the structural invariants a report must satisfy after
// normalization. A violation here means the report is malformed, not
// merely failing.
func (r *TestReport) Validate() error {
	switch r.TestStatus {
	case TestStatusPass, TestStatusFail, TestStatusBuildFailed:
	default:
		return fmt.Errorf("invalid test_status: %q", r.TestStatus)
	}
	if !r.BuildSuccessful && r.TestStatus != TestStatusBuildFailed {
		return fmt.Errorf("build failed but test_status is %q", r.TestStatus)
	}
	if r.TotalDefects != len(r.Defects) {
		return fmt.Errorf("total_defects %d does not match %d listed defects", r.TotalDefects, len(r.Defects))
	}
	if r.DefectCounts != nil {
		counts := make(map[Severity]int)
		for _, d := range r.Defects {
			counts[d.Severity]++
		}
		for sev, n := range r.DefectCounts {
			if counts[sev] != n {
				return fmt.Errorf("defect_counts[%s] = %d but %d defects have that severity", sev, n, counts[sev])
			}
		}
	}
	return nil
}
