package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/types"
)

// scriptedGenerator replays canned responses in order.
type scriptedGenerator struct {
	responses []string
	calls     int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ ai.Request) (*ai.Response, error) {
	if g.calls >= len(g.responses) {
		g.calls++
		return &ai.Response{Text: g.responses[len(g.responses)-1]}, nil
	}
	text := g.responses[g.calls]
	g.calls++
	return &ai.Response{Text: text}, nil
}

func testerFixtures() (*types.TaskRequirements, *types.DesignSpecification, *types.GeneratedCode) {
	task := &types.TaskRequirements{ID: "t1", Description: "build a parser"}
	spec := &types.DesignSpecification{ID: "spec1", TaskID: "t1", Overview: "a recursive descent parser"}
	code := types.NewGeneratedCode("t1", []types.GeneratedFile{
		{Path: "parser.go", Content: "package parser\n", FileType: "source"},
	}, nil)
	return task, spec, code
}

func TestTestAcceptsCleanReport(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{`{
		"build_successful": true,
		"test_status": "pass",
		"defects": [],
		"total_defects": 0,
		"defect_counts": {},
		"summary": "builds and behaves"
	}`}}
	task, spec, code := testerFixtures()
	tester := NewTester(gen.New(backend))

	report, err := tester.Test(context.Background(), task, spec, code)
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, report.TestStatus)
	assert.True(t, report.BuildSuccessful)
	assert.Empty(t, report.Defects)
	assert.Equal(t, "t1", report.TaskID)
	assert.NotEmpty(t, report.ID)
}

// A failed build forces build_failed even when the backend claims the
// tests merely failed.
func TestTestForcesBuildFailedStatus(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{`{
		"build_successful": false,
		"test_status": "fail",
		"defects": [
			{"code": "BUILD", "severity": "critical", "description": "undefined symbol", "location": "parser.go:10"}
		],
		"total_defects": 1,
		"defect_counts": {"critical": 1},
		"summary": "does not compile"
	}`}}
	task, spec, code := testerFixtures()
	tester := NewTester(gen.New(backend))

	report, err := tester.Test(context.Background(), task, spec, code)
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusBuildFailed, report.TestStatus)
	assert.False(t, report.BuildSuccessful)
	require.Len(t, report.Defects, 1)
	assert.NotEmpty(t, report.Defects[0].ID)
}

// A count mismatch is malformed output: the report is retried, and a
// consistent report on the next attempt is accepted.
func TestTestRetriesInconsistentCounts(t *testing.T) {
	inconsistent := `{
		"build_successful": true,
		"test_status": "fail",
		"defects": [
			{"code": "LOGIC", "severity": "high", "description": "wrong precedence"}
		],
		"total_defects": 3,
		"defect_counts": {"high": 1},
		"summary": "count drift"
	}`
	consistent := `{
		"build_successful": true,
		"test_status": "fail",
		"defects": [
			{"code": "LOGIC", "severity": "high", "description": "wrong precedence"}
		],
		"total_defects": 1,
		"defect_counts": {"high": 1},
		"summary": "one logic defect"
	}`
	backend := &scriptedGenerator{responses: []string{inconsistent, consistent}}
	task, spec, code := testerFixtures()
	tester := NewTester(gen.New(backend))

	report, err := tester.Test(context.Background(), task, spec, code)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 1, report.TotalDefects)
}

func TestTestExhaustsOnPersistentGarbage(t *testing.T) {
	backend := &scriptedGenerator{responses: []string{"not json at all"}}
	task, spec, code := testerFixtures()
	tester := NewTester(gen.New(backend, gen.WithMaxAttempts(2)))

	report, err := tester.Test(context.Background(), task, spec, code)
	assert.Nil(t, report)
	require.Error(t, err)

	var failure *gen.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "test", failure.Operation)
	assert.Equal(t, 2, failure.Attempts)
}

func TestCorrectReport(t *testing.T) {
	tests := []struct {
		name    string
		payload reportPayload
		wantErr bool
		status  types.TestStatus
	}{
		{
			name: "failed build overrides declared pass",
			payload: reportPayload{
				BuildSuccessful: false,
				TestStatus:      types.TestStatusPass,
			},
			status: types.TestStatusBuildFailed,
		},
		{
			name: "total mismatch rejected",
			payload: reportPayload{
				BuildSuccessful: true,
				TestStatus:      types.TestStatusFail,
				Defects:         []types.Defect{{Severity: types.SeverityLow, Description: "nit"}},
				TotalDefects:    0,
			},
			wantErr: true,
		},
		{
			name: "severity partition mismatch rejected",
			payload: reportPayload{
				BuildSuccessful: true,
				TestStatus:      types.TestStatusFail,
				Defects:         []types.Defect{{Severity: types.SeverityHigh, Description: "bug"}},
				TotalDefects:    1,
				DefectCounts:    map[types.Severity]int{types.SeverityLow: 1},
			},
			wantErr: true,
		},
		{
			name: "consistent report accepted",
			payload: reportPayload{
				BuildSuccessful: true,
				TestStatus:      types.TestStatusFail,
				Defects:         []types.Defect{{Severity: types.SeverityHigh, Description: "bug"}},
				TotalDefects:    1,
				DefectCounts:    map[types.Severity]int{types.SeverityHigh: 1},
			},
			status: types.TestStatusFail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := correctReport(&tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, tt.payload.TestStatus)
		})
	}
}

func TestBuildPromptIncludesGaps(t *testing.T) {
	task, spec, _ := testerFixtures()
	code := types.NewGeneratedCode("t1", []types.GeneratedFile{
		{Path: "parser.go", Content: "package parser\n", FileType: "source"},
	}, []types.FileGap{
		{Path: "lexer.go", Reason: "generation exhausted", Attempts: 3},
	})
	tester := NewTester(gen.New(&scriptedGenerator{}))

	prompt := tester.buildPrompt(task, spec, code)
	assert.Contains(t, prompt, "lexer.go")
	assert.Contains(t, prompt, "failed to generate")
}
