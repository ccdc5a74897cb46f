// Package design implements the design stage: turning the current plan
// into a design specification for code generation.
package design

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/plan"
	"github.com/loomctl/loom/internal/types"
)

// Designer produces design specifications from plans.
type Designer struct {
	unit *gen.Unit
}

// NewDesigner creates a designer over a generation unit.
func NewDesigner(unit *gen.Unit) *Designer {
	return &Designer{unit: unit}
}

// designPayload is the record shape the backend is asked to produce.
type designPayload struct {
	Overview   string                  `json:"overview"`
	Components []types.DesignComponent `json:"components"`
	DataModel  string                  `json:"data_model"`
}

// Design produces a new DesignSpecification from the current plan.
// Re-designs pass the review issues that triggered them as feedback and
// the prior spec for revision numbering.
func (d *Designer) Design(ctx context.Context, task *types.TaskRequirements, projectPlan *types.ProjectPlan, prior *types.DesignSpecification, feedback []types.DesignIssue) (*types.DesignSpecification, error) {
	prompt := d.buildPrompt(task, projectPlan, feedback)

	payload, err := gen.Structured(ctx, d.unit, "design", ai.Request{Prompt: prompt, MaxTokens: 8192}, validatePayload)
	if err != nil {
		return nil, fmt.Errorf("design failed: %w", err)
	}

	revision := 1
	if prior != nil {
		revision = prior.Revision + 1
	}

	return &types.DesignSpecification{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		PlanID:     projectPlan.ID,
		Overview:   payload.Overview,
		Components: payload.Components,
		DataModel:  payload.DataModel,
		Revision:   revision,
		CreatedAt:  time.Now(),
	}, nil
}

// validatePayload is the correction hook for design extraction.
func validatePayload(payload *designPayload) error {
	if strings.TrimSpace(payload.Overview) == "" {
		return fmt.Errorf("design has an empty overview")
	}
	if len(payload.Components) == 0 {
		return fmt.Errorf("design has no components")
	}
	for i, c := range payload.Components {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("component %d has an empty name", i)
		}
		if strings.TrimSpace(c.Responsibility) == "" {
			return fmt.Errorf("component %q has an empty responsibility", c.Name)
		}
	}
	return nil
}

func (d *Designer) buildPrompt(task *types.TaskRequirements, projectPlan *types.ProjectPlan, feedback []types.DesignIssue) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a software architect producing a design specification.

Task: %s

Description:
%s

Plan (revision %d, total complexity %.2f):
`, task.ID, task.Description, projectPlan.Revision, projectPlan.TotalComplexity)

	for i, unit := range projectPlan.Units {
		fmt.Fprintf(&b, "%d. %s (complexity %.2f)\n", i+1, unit.Description, unit.Complexity)
	}

	if len(feedback) > 0 {
		b.WriteString("\nA design review found problems with the previous design. This is a RE-DESIGN: produce a corrected specification that resolves every issue below.\n\n")
		b.WriteString(plan.FormatIssues(feedback))
	}

	b.WriteString(`
Respond with a JSON object:
{
  "overview": "How the system is structured and why",
  "components": [
    {
      "name": "ComponentName",
      "responsibility": "What this component owns",
      "interfaces": ["MethodOrEndpoint(args) -> result"]
    }
  ],
  "data_model": "The core data types and their ownership relationships"
}

RULES:
1. Every plan unit must be covered by at least one component
2. Name the interfaces between components explicitly
3. State ownership for every piece of mutable data

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return b.String()
}
