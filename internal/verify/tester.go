// Package verify implements the test stage: assessing generated code and
// producing a defect-carrying test report.
package verify

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

// Tester produces test reports for generated code.
type Tester struct {
	unit *gen.Unit
}

// NewTester creates a tester over a generation unit.
func NewTester(unit *gen.Unit) *Tester {
	return &Tester{unit: unit}
}

// reportPayload is the record shape the backend is asked to produce.
type reportPayload struct {
	BuildSuccessful bool                     `json:"build_successful"`
	TestStatus      types.TestStatus         `json:"test_status"`
	Defects         []types.Defect           `json:"defects"`
	TotalDefects    int                      `json:"total_defects"`
	DefectCounts    map[types.Severity]int   `json:"defect_counts"`
	Summary         string                   `json:"summary"`
}

// Test assesses the generated code and returns a normalized TestReport.
//
// Self-corrections applied before a report is accepted: a failed build
// forces test_status to build_failed regardless of the declared status,
// and the summary counts must match the defect list exactly; a mismatch
// is malformed output and triggers a fresh attempt.
func (t *Tester) Test(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, code *types.GeneratedCode) (*types.TestReport, error) {
	req := ai.Request{Prompt: t.buildPrompt(task, spec, code), MaxTokens: 8192}

	payload, err := gen.Structured(ctx, t.unit, "test", req, correctReport)
	if err != nil {
		return nil, fmt.Errorf("test assessment failed: %w", err)
	}

	report := &types.TestReport{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		BuildSuccessful: payload.BuildSuccessful,
		TestStatus:      payload.TestStatus,
		Defects:         payload.Defects,
		TotalDefects:    payload.TotalDefects,
		DefectCounts:    payload.DefectCounts,
		Summary:         payload.Summary,
		CreatedAt:       time.Now(),
	}
	for i := range report.Defects {
		if report.Defects[i].ID == "" {
			report.Defects[i].ID = uuid.New().String()
		}
	}
	return report, nil
}

// correctReport is the correction hook for test report extraction.
func correctReport(payload *reportPayload) error {
	if !payload.BuildSuccessful {
		payload.TestStatus = types.TestStatusBuildFailed
	}
	trial := types.TestReport{
		BuildSuccessful: payload.BuildSuccessful,
		TestStatus:      payload.TestStatus,
		Defects:         payload.Defects,
		TotalDefects:    payload.TotalDefects,
		DefectCounts:    payload.DefectCounts,
	}
	return trial.Validate()
}

func (t *Tester) buildPrompt(task *types.TaskRequirements, spec *types.DesignSpecification, code *types.GeneratedCode) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are assessing an implementation against its design.

Task: %s

Design overview:
%s

Files (%d, %d bytes total):
`, task.ID, spec.Overview, code.FileCount, code.TotalBytes)

	for _, f := range code.Files {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", f.Path, f.Content)
	}
	if len(code.Gaps) > 0 {
		b.WriteString("\nFiles that failed to generate (treat their absence as defects where it breaks the build):\n")
		for _, gap := range code.Gaps {
			fmt.Fprintf(&b, "- %s: %s\n", gap.Path, gap.Reason)
		}
	}

	b.WriteString(`
Assess whether the code would build, then whether it satisfies the design.
Report every problem as a defect with a taxonomy code:
BUILD (compile/syntax), LOGIC (wrong behavior), API (interface mismatch),
DATA (integrity violation), TEST (missing/broken tests), STYLE (standards).

Respond with a JSON object:
{
  "build_successful": true,
  "test_status": "pass|fail|build_failed",
  "defects": [
    {
      "code": "LOGIC",
      "severity": "critical|high|medium|low",
      "description": "What is wrong",
      "location": "path/to/file.ext:42"
    }
  ],
  "total_defects": 1,
  "defect_counts": {"high": 1},
  "summary": "One paragraph verdict"
}

RULES:
1. If the build fails, test_status MUST be "build_failed"
2. total_defects and defect_counts MUST match the defects list exactly
3. test_status "pass" requires an empty defects list or only low-severity style defects
4. Be strict: a defect you are unsure about is still a defect

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return b.String()
}
