// Package plan implements the planning stage: decomposing a task into
// semantic units of work with complexity scores.
package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/types"
)

// maxUnits bounds a single plan. A decomposition larger than this is a
// sign the model ignored the sizing guidance, not that the task is huge.
const maxUnits = 30

// Planner produces project plans from task requirements.
type Planner struct {
	unit *gen.Unit
}

// NewPlanner creates a planner over a generation unit.
func NewPlanner(unit *gen.Unit) *Planner {
	return &Planner{unit: unit}
}

// planPayload is the record shape the backend is asked to produce.
type planPayload struct {
	Units []unitPayload `json:"units"`
}

type unitPayload struct {
	Description string                  `json:"description"`
	Factors     types.ComplexityFactors `json:"factors"`
	Complexity  float64                 `json:"complexity"`
}

// Plan decomposes the task into a new ProjectPlan. Re-plans pass the
// issues that triggered them as feedback and the prior plan for revision
// numbering; the returned plan is always a new object superseding, never
// mutating, the prior one.
func (p *Planner) Plan(ctx context.Context, task *types.TaskRequirements, prior *types.ProjectPlan, feedback []types.DesignIssue) (*types.ProjectPlan, error) {
	prompt := p.buildPrompt(task, feedback)

	payload, err := gen.Structured(ctx, p.unit, "plan", ai.Request{Prompt: prompt, MaxTokens: 8192}, validatePayload)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	revision := 1
	if prior != nil {
		revision = prior.Revision + 1
	}

	plan := &types.ProjectPlan{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Revision:  revision,
		CreatedAt: time.Now(),
	}
	for _, u := range payload.Units {
		unit := types.SemanticUnit{
			ID:          uuid.New().String(),
			Description: u.Description,
			Factors:     u.Factors,
			Complexity:  u.Complexity,
		}
		// Declared scores are advisory; the recomputed value wins on
		// disagreement.
		Rescore(&unit)
		plan.Units = append(plan.Units, unit)
		plan.TotalComplexity += unit.Complexity
	}
	return plan, nil
}

// validatePayload is the correction hook for plan extraction. A plan with
// no units, or with blank unit descriptions, is malformed and triggers a
// fresh attempt.
func validatePayload(payload *planPayload) error {
	if len(payload.Units) == 0 {
		return fmt.Errorf("plan contains no units")
	}
	if len(payload.Units) > maxUnits {
		return fmt.Errorf("plan contains %d units (max %d)", len(payload.Units), maxUnits)
	}
	for i, u := range payload.Units {
		if strings.TrimSpace(u.Description) == "" {
			return fmt.Errorf("unit %d has an empty description", i)
		}
	}
	return nil
}

func (p *Planner) buildPrompt(task *types.TaskRequirements, feedback []types.DesignIssue) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a senior engineer decomposing a task into independent units of work.

Task: %s

Description:
%s
`, task.ID, task.Description)

	if task.Requirements != "" {
		fmt.Fprintf(&b, "\nRequirements:\n%s\n", task.Requirements)
	}
	if len(task.ContextRefs) > 0 {
		fmt.Fprintf(&b, "\nContext references:\n- %s\n", strings.Join(task.ContextRefs, "\n- "))
	}

	if len(feedback) > 0 {
		b.WriteString("\nA design review found problems that originate in the plan. This is a RE-PLAN: produce a corrected decomposition that resolves every issue below.\n\n")
		b.WriteString(FormatIssues(feedback))
	}

	b.WriteString(`
Decompose the task into 2-12 semantic units. Each unit is one coherent
piece of work a single engineer could design and build.

Rate each unit's complexity factors from 1 (trivial) to 5 (severe):
- scope: how much surface area the unit touches
- novelty: how unfamiliar the problem is
- dependencies: how coupled the unit is to other units or external systems
- risk: how costly a mistake in this unit would be

Respond with a JSON object:
{
  "units": [
    {
      "description": "What this unit does and its boundaries",
      "factors": {"scope": 3, "novelty": 2, "dependencies": 1, "risk": 2},
      "complexity": 2.3
    }
  ]
}

RULES:
1. Units must be ordered so earlier units never depend on later ones
2. Descriptions must be specific enough to design from
3. complexity is the weighted factor score; if unsure, estimate and it will be recomputed

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return b.String()
}

// FormatIssues renders design issues as prompt feedback. Shared by the
// planning and design stages so re-run prompts present findings uniformly.
func FormatIssues(issues []types.DesignIssue) string {
	var b strings.Builder
	for i, issue := range issues {
		fmt.Fprintf(&b, "Issue %d [%s/%s]: %s\n", i+1, issue.Category, issue.Severity, issue.Description)
		if issue.Evidence != "" {
			fmt.Fprintf(&b, "  Evidence: %s\n", issue.Evidence)
		}
		if issue.Impact != "" {
			fmt.Fprintf(&b, "  Impact: %s\n", issue.Impact)
		}
	}
	return b.String()
}
