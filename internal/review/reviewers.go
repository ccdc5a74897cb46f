package review

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/types"
)

// specialist is one independent design reviewer with a single area of
// focus. Each specialist is a separate backend call so one reviewer's
// verbosity cannot crowd out another's findings.
type specialist struct {
	name     string
	focus    string
	guidance string
}

// specialists is the fixed reviewer panel. Order only affects log output.
var specialists = []specialist{
	{
		name:  "security",
		focus: "security",
		guidance: `Look for: missing authentication or authorization boundaries,
untrusted input reaching sensitive operations, secrets handled in plain
text, injection surfaces, and components granted more access than their
responsibility requires.`,
	},
	{
		name:  "performance",
		focus: "performance and scalability",
		guidance: `Look for: operations that grow superlinearly with input size,
chatty interfaces between components, missing caching or batching where
the plan implies volume, and single-threaded bottlenecks on hot paths.`,
	},
	{
		name:  "data-integrity",
		focus: "data integrity",
		guidance: `Look for: mutable state with unclear ownership, derived values
stored without a recomputation rule, partial-failure windows that can
leave data inconsistent, and missing uniqueness or referential
constraints.`,
	},
	{
		name:  "maintainability",
		focus: "maintainability",
		guidance: `Look for: components with vague or overlapping responsibilities,
interfaces that leak implementation detail, logic that will have to be
duplicated, and names that do not say what a thing does.`,
	},
	{
		name:  "architecture",
		focus: "architecture",
		guidance: `Look for: dependency cycles between components, plan units with
no owning component, layering violations, and error handling decisions
left unassigned. Pay attention to whether the problem is really in the
design or in the plan the design was built from.`,
	},
	{
		name:  "api-design",
		focus: "API design",
		guidance: `Look for: interfaces missing failure modes, inconsistent naming
or parameter conventions across components, operations that cannot be
retried safely where a caller will need to, and return shapes that force
callers to re-derive information the component already had.`,
	},
}

// issuesPayload is the record shape each specialist is asked to produce.
type issuesPayload struct {
	Issues []types.DesignIssue `json:"issues"`
}

func (s specialist) buildPrompt(task *types.TaskRequirements, spec *types.DesignSpecification) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a specialist design reviewer focused exclusively on %s.

Task: %s

Description:
%s

Design overview:
%s

Components:
`, s.focus, task.ID, task.Description, spec.Overview)

	for _, c := range spec.Components {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Responsibility)
		for _, iface := range c.Interfaces {
			fmt.Fprintf(&b, "    %s\n", iface)
		}
	}
	if spec.DataModel != "" {
		fmt.Fprintf(&b, "\nData model:\n%s\n", spec.DataModel)
	}

	fmt.Fprintf(&b, `
%s

For every problem you find, decide which phase introduced it:
- "planning" if the task decomposition itself is wrong or incomplete
- "design" if the plan is fine but this design realizes it badly
- "both" if fixing it requires changes to the plan and the design

Respond with a JSON object:
{
  "issues": [
    {
      "category": "%s",
      "severity": "critical|high|medium|low",
      "description": "The problem, stated precisely",
      "evidence": "Where in the design you see it",
      "impact": "What goes wrong if it ships",
      "affected_phase": "planning|design|both"
    }
  ]
}

RULES:
1. Only report problems in your area of focus
2. severity "critical" means the design cannot ship; use it sparingly
3. An empty issues list is a valid answer
4. Do not repeat the same finding with different wording

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`, s.guidance, s.name)

	return b.String()
}

// validateIssues is the correction hook for specialist extraction. Unknown
// severities are malformed; a missing affected_phase is allowed and
// defaults to design downstream.
func validateIssues(payload *issuesPayload) error {
	for i, issue := range payload.Issues {
		if strings.TrimSpace(issue.Description) == "" {
			return fmt.Errorf("issue %d has an empty description", i)
		}
		if !issue.Severity.IsValid() {
			return fmt.Errorf("issue %d has invalid severity %q", i, issue.Severity)
		}
		if issue.AffectedPhase != "" && !issue.AffectedPhase.IsValid() {
			return fmt.Errorf("issue %d has invalid affected_phase %q", i, issue.AffectedPhase)
		}
	}
	return nil
}
