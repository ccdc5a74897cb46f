// Package postmortem derives run analytics and process improvement
// proposals from a finished run's event history. The analysis is
// deterministic over the recorded events; it makes no backend calls and
// never blocks run completion.
package postmortem

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/types"
)

// Analyst builds postmortem reports.
type Analyst struct{}

// NewAnalyst creates an analyst.
func NewAnalyst() *Analyst {
	return &Analyst{}
}

// Analyze derives a postmortem from the run's recorded events and final
// artifacts. Proposals always start pending: they describe process
// changes for a human to accept or reject, never changes the engine
// applies itself.
func (a *Analyst) Analyze(taskID string, final types.Stage, backwardHops int, history []*events.Event, report *types.TestReport, code *types.GeneratedCode) (*types.PostmortemReport, error) {
	if !final.IsValid() {
		return nil, fmt.Errorf("invalid final stage %q", final)
	}

	pm := &types.PostmortemReport{
		ID:           uuid.New().String(),
		TaskID:       taskID,
		FinalStage:   final,
		BackwardHops: backwardHops,
		StageStats:   deriveStageStats(history),
		CreatedAt:    time.Now(),
	}
	if report != nil {
		pm.DefectCount = len(report.Defects)
	}
	if code != nil {
		pm.GapCount = len(code.Gaps)
	}
	pm.Narrative = buildNarrative(pm, history)
	pm.Proposals = deriveProposals(pm, history)
	return pm, nil
}

// deriveStageStats counts invocations and failures per stage from
// stage-completed events.
func deriveStageStats(history []*events.Event) []types.StageStats {
	order := []types.Stage{
		types.StagePlanning, types.StageDesign, types.StageReview,
		types.StageCode, types.StageTest, types.StagePostmortem,
	}
	byStage := make(map[types.Stage]*types.StageStats)
	for _, e := range history {
		if e.Type != events.TypeStageCompleted {
			continue
		}
		stats := byStage[e.Stage]
		if stats == nil {
			stats = &types.StageStats{Stage: e.Stage}
			byStage[e.Stage] = stats
		}
		stats.Invocations++
		if success, ok := e.Data["success"].(bool); ok && !success {
			stats.Failures++
		}
	}

	var out []types.StageStats
	for _, stage := range order {
		if stats := byStage[stage]; stats != nil {
			out = append(out, *stats)
		}
	}
	return out
}

func buildNarrative(pm *types.PostmortemReport, history []*events.Event) string {
	hops := countEvents(history, events.TypeBackwardHop)
	outages := countEvents(history, events.TypeReviewerUnavailable)
	gaps := countEvents(history, events.TypeFileGap)
	return fmt.Sprintf(
		"Run for task %s finished in state %s after %d backward hops. "+
			"Observed %d reviewer outages, %d file generation gaps, and %d defects in the final test report.",
		pm.TaskID, pm.FinalStage, hops, outages, gaps, pm.DefectCount)
}

// deriveProposals turns recurring run pathologies into pending proposals.
// Thresholds are deliberately coarse; a proposal is a conversation
// starter, not a diagnosis.
func deriveProposals(pm *types.PostmortemReport, history []*events.Event) []types.ProcessImprovementProposal {
	var proposals []types.ProcessImprovementProposal

	propose := func(title, rationale string) {
		proposals = append(proposals, types.ProcessImprovementProposal{
			ID:        uuid.New().String(),
			Title:     title,
			Rationale: rationale,
			Status:    types.ProposalPending,
			CreatedAt: time.Now(),
		})
	}

	if pm.FinalStage == types.StageEscalated {
		propose("Review escalation cause before re-running this task",
			fmt.Sprintf("The run escalated after %d backward hops; re-running without changing the task description or limits will likely escalate again.", pm.BackwardHops))
	}
	if pm.BackwardHops >= 2 {
		propose("Strengthen the planning prompt for tasks of this shape",
			fmt.Sprintf("%d backward hops were spent on corrective re-runs; repeated upstream rework usually means the initial decomposition lacked constraints the reviewers later enforced.", pm.BackwardHops))
	}
	if outages := countEvents(history, events.TypeReviewerUnavailable); outages > 0 {
		propose("Investigate reviewer backend reliability",
			fmt.Sprintf("%d specialist reviews were dropped from coverage during this run; their findings were silently absent from routing decisions.", outages))
	}
	if pm.GapCount > 0 {
		propose("Consider raising per-file generation attempts",
			fmt.Sprintf("%d manifest entries exhausted their retries and were delivered as gaps.", pm.GapCount))
	}
	return proposals
}

func countEvents(history []*events.Event, eventType events.Type) int {
	n := 0
	for _, e := range history {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
