package design

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/types"
)

// scriptedGenerator replays canned responses and records prompts.
type scriptedGenerator struct {
	responses []string
	prompts   []string
}

func (g *scriptedGenerator) Generate(_ context.Context, req ai.Request) (*ai.Response, error) {
	g.prompts = append(g.prompts, req.Prompt)
	idx := len(g.prompts) - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return &ai.Response{Text: g.responses[idx]}, nil
}

const validDesign = `{
	"overview": "Two components separated by a queue",
	"components": [
		{"name": "Producer", "responsibility": "emit work items", "interfaces": ["Emit(item) -> error"]},
		{"name": "Consumer", "responsibility": "drain work items", "interfaces": ["Drain(ctx) -> error"]}
	],
	"data_model": "WorkItem owned by the queue between emit and drain"
}`

func designFixtures() (*types.TaskRequirements, *types.ProjectPlan) {
	task := &types.TaskRequirements{ID: "t1", Description: "build a work queue"}
	projectPlan := &types.ProjectPlan{
		ID:     "plan1",
		TaskID: "t1",
		Units: []types.SemanticUnit{
			{ID: "u1", Description: "producer side", Complexity: 2.0},
			{ID: "u2", Description: "consumer side", Complexity: 3.0},
		},
		TotalComplexity: 5.0,
		Revision:        1,
	}
	return task, projectPlan
}

func TestDesignProducesSpecification(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{validDesign}}
	task, projectPlan := designFixtures()
	designer := NewDesigner(gen.New(backend))

	spec, err := designer.Design(context.Background(), task, projectPlan, nil, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, spec.ID)
	assert.Equal(t, "t1", spec.TaskID)
	assert.Equal(t, "plan1", spec.PlanID)
	assert.Equal(t, 1, spec.Revision)
	require.Len(t, spec.Components, 2)
	assert.Equal(t, "Producer", spec.Components[0].Name)

	// The prompt carries every plan unit
	prompt := backend.prompts[0]
	assert.Contains(t, prompt, "producer side")
	assert.Contains(t, prompt, "consumer side")
	assert.NotContains(t, prompt, "RE-DESIGN")
}

func TestRedesignCarriesFeedbackAndRevision(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{validDesign}}
	task, projectPlan := designFixtures()
	designer := NewDesigner(gen.New(backend))

	prior := &types.DesignSpecification{ID: "spec1", TaskID: "t1", PlanID: "plan1", Revision: 1}
	feedback := []types.DesignIssue{
		{ID: "i1", Category: "architecture", Severity: types.SeverityHigh,
			Description: "producer and consumer share mutable state"},
	}

	spec, err := designer.Design(context.Background(), task, projectPlan, prior, feedback)
	require.NoError(t, err)

	assert.Equal(t, 2, spec.Revision)
	assert.NotEqual(t, prior.ID, spec.ID)

	prompt := backend.prompts[0]
	assert.Contains(t, prompt, "RE-DESIGN")
	assert.Contains(t, prompt, "share mutable state")
}

func TestDesignRetriesEmptyComponentList(t *testing.T) {
	empty := `{"overview": "an overview", "components": [], "data_model": ""}`
	backend := &scriptedGenerator{responses: []string{empty, validDesign}}
	task, projectPlan := designFixtures()
	designer := NewDesigner(gen.New(backend))

	spec, err := designer.Design(context.Background(), task, projectPlan, nil, nil)
	require.NoError(t, err)
	assert.Len(t, backend.prompts, 2)
	assert.Len(t, spec.Components, 2)
}

func TestDesignExhaustsAttempts(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{"garbage"}}
	task, projectPlan := designFixtures()
	designer := NewDesigner(gen.New(backend, gen.WithMaxAttempts(2)))

	spec, err := designer.Design(context.Background(), task, projectPlan, nil, nil)
	assert.Nil(t, spec)
	require.Error(t, err)

	var failure *gen.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "design", failure.Operation)
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload designPayload
		wantErr string
	}{
		{
			name:    "empty overview",
			payload: designPayload{Components: []types.DesignComponent{{Name: "A", Responsibility: "x"}}},
			wantErr: "empty overview",
		},
		{
			name:    "no components",
			payload: designPayload{Overview: "o"},
			wantErr: "no components",
		},
		{
			name: "blank component name",
			payload: designPayload{Overview: "o", Components: []types.DesignComponent{
				{Name: " ", Responsibility: "x"},
			}},
			wantErr: "empty name",
		},
		{
			name: "blank responsibility",
			payload: designPayload{Overview: "o", Components: []types.DesignComponent{
				{Name: "A", Responsibility: ""},
			}},
			wantErr: "empty responsibility",
		},
		{
			name: "valid",
			payload: designPayload{Overview: "o", Components: []types.DesignComponent{
				{Name: "A", Responsibility: "x"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload(&tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), strings.ToLower(tt.wantErr))
		})
	}
}
