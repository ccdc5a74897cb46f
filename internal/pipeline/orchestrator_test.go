package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/postmortem"
	"github.com/loomctl/loom/internal/types"
)

type stubPlanner struct {
	calls    int
	feedback [][]types.DesignIssue
}

func (p *stubPlanner) Plan(_ context.Context, task *types.TaskRequirements, prior *types.ProjectPlan, feedback []types.DesignIssue) (*types.ProjectPlan, error) {
	p.calls++
	p.feedback = append(p.feedback, feedback)
	revision := 1
	if prior != nil {
		revision = prior.Revision + 1
	}
	return &types.ProjectPlan{ID: fmt.Sprintf("plan-%d", p.calls), TaskID: task.ID, Revision: revision}, nil
}

type stubDesigner struct {
	calls    int
	feedback [][]types.DesignIssue
	err      error
}

func (d *stubDesigner) Design(_ context.Context, task *types.TaskRequirements, plan *types.ProjectPlan, prior *types.DesignSpecification, feedback []types.DesignIssue) (*types.DesignSpecification, error) {
	d.calls++
	d.feedback = append(d.feedback, feedback)
	if d.err != nil {
		return nil, d.err
	}
	revision := 1
	if prior != nil {
		revision = prior.Revision + 1
	}
	return &types.DesignSpecification{
		ID:       fmt.Sprintf("spec-%d", d.calls),
		TaskID:   task.ID,
		PlanID:   plan.ID,
		Overview: "stub design",
		Revision: revision,
	}, nil
}

// stubReviewer replays verdicts: each call returns the next issue set,
// repeating the last one when the script runs out. With a sink attached
// it records one specialist outage per review, the way the aggregator
// reports a failed specialist.
type stubReviewer struct {
	calls   int
	verdict [][]types.DesignIssue
	sink    events.Sink
	runID   string
}

func (r *stubReviewer) Review(ctx context.Context, _ *types.TaskRequirements, spec *types.DesignSpecification) (*types.DesignReviewReport, error) {
	idx := r.calls
	if idx >= len(r.verdict) {
		idx = len(r.verdict) - 1
	}
	r.calls++
	if r.sink != nil {
		r.sink.Record(ctx, events.NewReviewerUnavailable(r.runID, "security", errors.New("backend down")))
	}
	var issues []types.DesignIssue
	if idx >= 0 {
		issues = r.verdict[idx]
	}
	return types.NewDesignReviewReport(fmt.Sprintf("review-%d", r.calls), spec.ID, issues), nil
}

type stubCoder struct {
	calls   int
	defects [][]types.Defect
	gap     bool
	sink    events.Sink
	runID   string
}

func (c *stubCoder) Generate(ctx context.Context, task *types.TaskRequirements, _ *types.DesignSpecification, _ string, defects []types.Defect) (*types.GeneratedCode, error) {
	c.calls++
	c.defects = append(c.defects, defects)
	var gaps []types.FileGap
	if c.gap {
		gaps = []types.FileGap{{Path: "lib.go", Reason: "generation exhausted", Attempts: 3}}
		if c.sink != nil {
			c.sink.Record(ctx, events.NewFileGap(c.runID, "lib.go", "generation exhausted", 3))
		}
	}
	return types.NewGeneratedCode(task.ID, []types.GeneratedFile{
		{Path: "main.go", Content: "package main\n", FileType: "source"},
	}, gaps), nil
}

// stubTester fails the first n calls with one defect each, then passes.
type stubTester struct {
	calls    int
	failures int
}

func (t *stubTester) Test(_ context.Context, task *types.TaskRequirements, _ *types.DesignSpecification, _ *types.GeneratedCode) (*types.TestReport, error) {
	t.calls++
	report := &types.TestReport{
		ID:              fmt.Sprintf("report-%d", t.calls),
		TaskID:          task.ID,
		BuildSuccessful: true,
		TestStatus:      types.TestStatusPass,
	}
	if t.calls <= t.failures {
		report.TestStatus = types.TestStatusFail
		report.Defects = []types.Defect{
			{ID: fmt.Sprintf("defect-%d", t.calls), Code: "LOGIC", Severity: types.SeverityHigh, Description: "wrong result"},
		}
		report.TotalDefects = 1
	}
	return report, nil
}

type stubAnalyst struct {
	calls   int
	err     error
	history []*events.Event
}

func (a *stubAnalyst) Analyze(taskID string, _ types.Stage, backwardHops int, history []*events.Event, _ *types.TestReport, _ *types.GeneratedCode) (*types.PostmortemReport, error) {
	a.calls++
	a.history = history
	if a.err != nil {
		return nil, a.err
	}
	return &types.PostmortemReport{ID: "pm-1", TaskID: taskID, BackwardHops: backwardHops}, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *memorySink) Record(_ context.Context, e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *memorySink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *memorySink) lastOfType(t events.Type) *events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i]
		}
	}
	return nil
}

func issue(phase types.Phase) types.DesignIssue {
	return types.DesignIssue{
		ID:            "i-" + string(phase),
		Category:      "architecture",
		Severity:      types.SeverityHigh,
		Description:   "problem in " + string(phase),
		AffectedPhase: phase,
	}
}

type fixture struct {
	planner  *stubPlanner
	designer *stubDesigner
	reviewer *stubReviewer
	coder    *stubCoder
	tester   *stubTester
	analyst  *stubAnalyst
	sink     *memorySink
	history  *events.History
	// shared is the sink chain handed to stage components, mirroring how
	// cmd wires one chain for the whole run
	shared events.Sink
}

func newFixture() *fixture {
	f := &fixture{
		planner:  &stubPlanner{},
		designer: &stubDesigner{},
		reviewer: &stubReviewer{},
		coder:    &stubCoder{},
		tester:   &stubTester{},
		analyst:  &stubAnalyst{},
		sink:     &memorySink{},
		history:  &events.History{},
	}
	f.shared = events.Multi{f.history, f.sink}
	return f
}

func (f *fixture) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Deps{
		Planner:  f.planner,
		Designer: f.designer,
		Reviewer: f.reviewer,
		Coder:    f.coder,
		Tester:   f.tester,
		Analyst:  f.analyst,
		Sink:     f.shared,
		History:  f.history,
	})
	require.NoError(t, err)
	return o
}

func task() *types.TaskRequirements {
	return &types.TaskRequirements{ID: "t1", Description: "build something"}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, result.State)
	assert.Equal(t, 0, result.BackwardHops)
	assert.Nil(t, result.Escalation)
	assert.NotNil(t, result.Plan)
	assert.NotNil(t, result.Spec)
	assert.NotNil(t, result.Review)
	assert.NotNil(t, result.Code)
	assert.NotNil(t, result.TestReport)
	assert.NotNil(t, result.Postmortem)

	// One invocation per stage, no loops
	assert.Equal(t, 1, f.planner.calls)
	assert.Equal(t, 1, f.designer.calls)
	assert.Equal(t, 1, f.reviewer.calls)
	assert.Equal(t, 1, f.coder.calls)
	assert.Equal(t, 1, f.tester.calls)
	assert.Equal(t, 1, f.analyst.calls)
	assert.Equal(t, 1, f.sink.count(events.TypeRunCompleted))
	assert.Equal(t, 0, f.sink.count(events.TypeBackwardHop))
}

// A review with planning-phase issues routes all the way back to PLANNING,
// and the planner's re-run receives exactly those issues as feedback.
func TestRunRoutesPlanningFeedback(t *testing.T) {
	f := newFixture()
	planningIssue := issue(types.PhasePlanning)
	f.reviewer.verdict = [][]types.DesignIssue{
		{planningIssue, issue(types.PhaseDesign)},
		nil, // second review passes
	}
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, result.State)
	assert.Equal(t, 1, result.BackwardHops)
	assert.Equal(t, 2, f.planner.calls)
	assert.Equal(t, 2, f.designer.calls)

	// First plan gets no feedback, the re-plan gets the planning issues only
	require.Len(t, f.planner.feedback, 2)
	assert.Empty(t, f.planner.feedback[0])
	require.Len(t, f.planner.feedback[1], 1)
	assert.Equal(t, planningIssue.ID, f.planner.feedback[1][0].ID)

	// The re-design after the re-plan is a forward pass, not feedback-driven
	assert.Empty(t, f.designer.feedback[1])
}

func TestRunRoutesDesignFeedback(t *testing.T) {
	f := newFixture()
	designIssue := issue(types.PhaseDesign)
	f.reviewer.verdict = [][]types.DesignIssue{{designIssue}, nil}
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, result.State)
	assert.Equal(t, 1, result.BackwardHops)
	assert.Equal(t, 1, f.planner.calls)
	assert.Equal(t, 2, f.designer.calls)
	require.Len(t, f.designer.feedback[1], 1)
	assert.Equal(t, designIssue.ID, f.designer.feedback[1][0].ID)
	assert.Equal(t, 1, f.sink.count(events.TypeBackwardHop))
}

// A review that never passes exhausts the hop budget: with a limit of 3,
// three corrective loops run and the fourth failing review escalates.
func TestRunEscalatesOnHopExhaustion(t *testing.T) {
	f := newFixture()
	f.reviewer.verdict = [][]types.DesignIssue{{issue(types.PhaseDesign)}}
	o := f.orchestrator(t, Config{RunID: "run1", MaxBackwardHops: 3})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageEscalated, result.State)
	require.NotNil(t, result.Escalation)
	assert.Equal(t, types.StageReview, result.Escalation.Stage)
	assert.Equal(t, 4, result.Escalation.Hops)
	assert.Contains(t, result.Escalation.Reason, "backward hop limit")

	assert.Equal(t, 4, f.reviewer.calls)
	assert.Equal(t, 4, f.designer.calls)
	assert.Equal(t, 0, f.coder.calls)
	assert.Equal(t, 3, f.sink.count(events.TypeBackwardHop))
	assert.Equal(t, 1, f.sink.count(events.TypeEscalation))

	// The review pass that spent the budget is not reported as a clean
	// stage completion
	last := f.sink.lastOfType(events.TypeStageCompleted)
	require.NotNil(t, last)
	assert.Equal(t, types.StageReview, last.Stage)
	assert.Equal(t, false, last.Data["success"])
}

func TestRunFailedTestLoopsToCode(t *testing.T) {
	f := newFixture()
	f.tester.failures = 1
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, result.State)
	assert.Equal(t, 1, result.BackwardHops)
	assert.Equal(t, 2, f.coder.calls)
	assert.Equal(t, 2, f.tester.calls)

	// The second code run receives the failing report's defects
	require.Len(t, f.coder.defects, 2)
	assert.Empty(t, f.coder.defects[0])
	require.Len(t, f.coder.defects[1], 1)
	assert.Equal(t, "defect-1", f.coder.defects[1][0].ID)
}

// Hops are a shared budget across both feedback edges.
func TestRunHopBudgetIsShared(t *testing.T) {
	f := newFixture()
	f.reviewer.verdict = [][]types.DesignIssue{{issue(types.PhaseDesign)}, nil}
	f.tester.failures = 2
	o := f.orchestrator(t, Config{RunID: "run1", MaxBackwardHops: 2})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	// One review hop plus one test hop spends the budget; the second
	// failing test would need a third hop and escalates instead.
	assert.Equal(t, types.StageEscalated, result.State)
	require.NotNil(t, result.Escalation)
	assert.Equal(t, types.StageTest, result.Escalation.Stage)
	assert.Equal(t, 3, result.Escalation.Hops)
}

func TestRunStageFailureEscalates(t *testing.T) {
	f := newFixture()
	f.designer.err = errors.New("design generation exhausted")
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageEscalated, result.State)
	require.NotNil(t, result.Escalation)
	assert.Equal(t, types.StageDesign, result.Escalation.Stage)
	assert.Equal(t, "stage failure", result.Escalation.Reason)
	assert.ErrorContains(t, result.Escalation.Err, "design generation exhausted")
	assert.Equal(t, 0, f.reviewer.calls)
}

// Events recorded by stage components through the shared sink chain reach
// the analyst's history, not just the orchestrator's own emissions.
func TestRunPostmortemSeesComponentEvents(t *testing.T) {
	f := newFixture()
	f.reviewer.sink = f.shared
	f.reviewer.runID = "run1"
	f.coder.gap = true
	f.coder.sink = f.shared
	f.coder.runID = "run1"
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)
	require.Equal(t, types.StageDone, result.State)

	outages, gaps := 0, 0
	for _, e := range f.analyst.history {
		switch e.Type {
		case events.TypeReviewerUnavailable:
			outages++
		case events.TypeFileGap:
			gaps++
		}
	}
	assert.Equal(t, 1, outages)
	assert.Equal(t, 1, gaps)
}

// End to end through the real analyst: a reviewer outage and a file gap
// recorded mid-run show up in the postmortem's narrative and proposals.
func TestRunPostmortemCountsOutagesAndGaps(t *testing.T) {
	f := newFixture()
	f.reviewer.sink = f.shared
	f.reviewer.runID = "run1"
	f.coder.gap = true
	f.coder.sink = f.shared
	f.coder.runID = "run1"

	o, err := New(Config{RunID: "run1"}, Deps{
		Planner:  f.planner,
		Designer: f.designer,
		Reviewer: f.reviewer,
		Coder:    f.coder,
		Tester:   f.tester,
		Analyst:  postmortem.NewAnalyst(),
		Sink:     f.shared,
		History:  f.history,
	})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)
	require.Equal(t, types.StageDone, result.State)
	require.NotNil(t, result.Postmortem)

	assert.Equal(t, 1, result.Postmortem.GapCount)
	assert.Contains(t, result.Postmortem.Narrative, "1 reviewer outages")
	assert.Contains(t, result.Postmortem.Narrative, "1 file generation gaps")

	titles := make([]string, 0, len(result.Postmortem.Proposals))
	for _, p := range result.Postmortem.Proposals {
		titles = append(titles, p.Title)
	}
	assert.Contains(t, titles, "Investigate reviewer backend reliability")
	assert.Contains(t, titles, "Consider raising per-file generation attempts")
}

// A postmortem failure is logged and swallowed; the run still completes.
func TestRunPostmortemFailureDoesNotBlockDone(t *testing.T) {
	f := newFixture()
	f.analyst.err = errors.New("analysis broke")
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), task())
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, result.State)
	assert.Nil(t, result.Postmortem)
}

func TestRunRejectsInvalidTask(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, Config{RunID: "run1"})

	result, err := o.Run(context.Background(), &types.TaskRequirements{ID: "t1"})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid task")
}

func TestRunCanceledContext(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, Config{RunID: "run1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, task())
	assert.Nil(t, result)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresStages(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	f := newFixture()
	o, err := New(Config{}, Deps{
		Planner:  f.planner,
		Designer: f.designer,
		Reviewer: f.reviewer,
		Coder:    f.coder,
		Tester:   f.tester,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, o.cfg.RunID)
	assert.Equal(t, DefaultMaxBackwardHops, o.cfg.MaxBackwardHops)
}
