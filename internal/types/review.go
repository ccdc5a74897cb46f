package types

import "time"

// Phase identifies which pipeline stage a design issue originated in.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseDesign   Phase = "design"
	PhaseBoth     Phase = "both"
)

// IsValid checks if the phase value is valid.
func (p Phase) IsValid() bool {
	switch p {
	case PhasePlanning, PhaseDesign, PhaseBoth:
		return true
	}
	return false
}

// DesignIssue is a single finding from a design review specialist.
//
// AffectedPhase defaults to design when a reviewer does not specify it.
// The default is deliberately conservative: an ambiguous issue triggers a
// re-design, not a costlier re-plan.
type DesignIssue struct {
	ID            string   `json:"id"`
	Category      string   `json:"category"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	Evidence      string   `json:"evidence,omitempty"`
	Impact        string   `json:"impact,omitempty"`
	AffectedPhase Phase    `json:"affected_phase,omitempty"`
}

// EffectivePhase returns the issue's phase, applying the design default for
// unclassified issues.
func (i *DesignIssue) EffectivePhase() Phase {
	if i.AffectedPhase.IsValid() {
		return i.AffectedPhase
	}
	return PhaseDesign
}

// Assessment is the overall verdict of a design review.
type Assessment string

const (
	AssessmentPass             Assessment = "pass"
	AssessmentNeedsImprovement Assessment = "needs_improvement"
	AssessmentFail             Assessment = "fail"
)

// DesignReviewReport is an immutable snapshot of one review pass. The three
// phase groupings and the overall assessment are derived at construction by
// NewDesignReviewReport and are never set directly.
//
// Grouping rule: an issue appears in the planning grouping if its effective
// phase is planning or both, in the design grouping if design or both, and
// in the multi-phase grouping only if both. Every issue therefore appears
// in at least one single-phase grouping, and the multi-phase grouping is a
// subset of the intersection of the other two.
type DesignReviewReport struct {
	ID               string        `json:"id"`
	SpecID           string        `json:"spec_id"`
	Issues           []DesignIssue `json:"issues"`
	PlanningIssues   []DesignIssue `json:"planning_issues"`
	DesignIssues     []DesignIssue `json:"design_issues"`
	MultiPhaseIssues []DesignIssue `json:"multi_phase_issues"`
	Assessment       Assessment    `json:"assessment"`
	CreatedAt        time.Time     `json:"created_at"`
}

// NewDesignReviewReport builds a review report from the full issue set,
// computing the phase groupings and overall assessment.
func NewDesignReviewReport(id, specID string, issues []DesignIssue) *DesignReviewReport {
	r := &DesignReviewReport{
		ID:        id,
		SpecID:    specID,
		Issues:    issues,
		CreatedAt: time.Now(),
	}
	for _, issue := range issues {
		switch issue.EffectivePhase() {
		case PhasePlanning:
			r.PlanningIssues = append(r.PlanningIssues, issue)
		case PhaseDesign:
			r.DesignIssues = append(r.DesignIssues, issue)
		case PhaseBoth:
			r.PlanningIssues = append(r.PlanningIssues, issue)
			r.DesignIssues = append(r.DesignIssues, issue)
			r.MultiPhaseIssues = append(r.MultiPhaseIssues, issue)
		}
	}
	r.Assessment = DeriveAssessment(issues)
	return r
}

// DeriveAssessment computes the overall verdict from issue severities.
// Any critical issue fails the review; any high issue (with no critical)
// demands improvement; anything else passes.
func DeriveAssessment(issues []DesignIssue) Assessment {
	verdict := AssessmentPass
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			return AssessmentFail
		case SeverityHigh:
			verdict = AssessmentNeedsImprovement
		}
	}
	return verdict
}

// Passed reports whether the review allows the pipeline to proceed to code
// generation.
func (r *DesignReviewReport) Passed() bool {
	return r.Assessment == AssessmentPass
}
