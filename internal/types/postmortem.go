package types

import "time"

// ProposalStatus is the human-review state of a process improvement
// proposal. Proposals are never applied automatically; approval is an
// explicit human action outside the pipeline.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// ProcessImprovementProposal is a suggested change to how the pipeline is
// run, derived from a postmortem.
type ProcessImprovementProposal struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Rationale   string         `json:"rationale"`
	Status      ProposalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ReviewedBy  string         `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
}

// StageStats summarizes how one stage behaved over a run.
type StageStats struct {
	Stage       Stage `json:"stage"`
	Invocations int   `json:"invocations"`
	Failures    int   `json:"failures"`
}

// PostmortemReport is derived analytics over a completed (or escalated)
// run's event history.
type PostmortemReport struct {
	ID           string                       `json:"id"`
	TaskID       string                       `json:"task_id"`
	FinalStage   Stage                        `json:"final_stage"`
	BackwardHops int                          `json:"backward_hops"`
	StageStats   []StageStats                 `json:"stage_stats"`
	DefectCount  int                          `json:"defect_count"`
	GapCount     int                          `json:"gap_count"`
	Narrative    string                       `json:"narrative,omitempty"`
	Proposals    []ProcessImprovementProposal `json:"proposals,omitempty"`
	CreatedAt    time.Time                    `json:"created_at"`
}
