// Package route decides which upstream stage must redo its work when a
// design review fails.
//
// The router is pure and stateless. It holds no history; loop detection
// and iteration limits belong to the orchestrator.
package route

import "github.com/loomctl/loom/internal/types"

// Decision names the stage that must re-run and the issues it must fix.
// A zero Target means the review passed and the pipeline proceeds forward.
type Decision struct {
	Target types.Stage
	Issues []types.DesignIssue
}

// Proceed reports whether the decision is to continue downstream.
func (d Decision) Proceed() bool {
	return d.Target == ""
}

// Route inspects a review report and picks the feedback destination.
//
// Planning is strictly upstream of design, so any planning-origin issue
// routes there first even when design-origin issues coexist: re-designing
// against a still-wrong plan would waste the iteration. Issues affecting
// both phases already appear in both groupings, so whichever target fires
// receives them.
func Route(report *types.DesignReviewReport) Decision {
	if report.Passed() {
		return Decision{}
	}
	if len(report.PlanningIssues) > 0 {
		return Decision{Target: types.StagePlanning, Issues: report.PlanningIssues}
	}
	if len(report.DesignIssues) > 0 {
		return Decision{Target: types.StageDesign, Issues: report.DesignIssues}
	}
	// A non-passing report with no issues cannot direct a fix anywhere;
	// fall back to a design re-run with the full issue list.
	return Decision{Target: types.StageDesign, Issues: report.Issues}
}
