// Package pipeline implements the orchestrator: the state machine that
// sequences stage invocations, routes corrective feedback upstream when a
// review or test fails, enforces the global iteration limit, and declares
// terminal outcomes.
//
// Stages run strictly sequentially; control returns here between stages.
// The orchestrator owns the only mutable shared state in a run (the
// current stage pointer and the backward-hop counter), so no locking is
// needed anywhere in the pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/route"
	"github.com/loomctl/loom/internal/storage"
	"github.com/loomctl/loom/internal/types"
)

// DefaultMaxBackwardHops bounds corrective re-runs per task. Each
// REVIEW→{PLANNING,DESIGN} and TEST→CODE transition consumes one hop;
// exceeding the bound escalates regardless of the stage's local verdict.
const DefaultMaxBackwardHops = 3

// Planner produces project plans; re-plans receive the triggering issues.
type Planner interface {
	Plan(ctx context.Context, task *types.TaskRequirements, prior *types.ProjectPlan, feedback []types.DesignIssue) (*types.ProjectPlan, error)
}

// Designer produces design specifications; re-designs receive the
// triggering issues.
type Designer interface {
	Design(ctx context.Context, task *types.TaskRequirements, plan *types.ProjectPlan, prior *types.DesignSpecification, feedback []types.DesignIssue) (*types.DesignSpecification, error)
}

// Reviewer produces design review reports.
type Reviewer interface {
	Review(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification) (*types.DesignReviewReport, error)
}

// Coder produces code; re-runs receive the defects from the failed test.
type Coder interface {
	Generate(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) (*types.GeneratedCode, error)
}

// Tester produces test reports for generated code.
type Tester interface {
	Test(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, code *types.GeneratedCode) (*types.TestReport, error)
}

// Analyst produces the postmortem. It never blocks completion.
type Analyst interface {
	Analyze(taskID string, final types.Stage, backwardHops int, history []*events.Event, report *types.TestReport, code *types.GeneratedCode) (*types.PostmortemReport, error)
}

// Config holds orchestrator configuration.
type Config struct {
	RunID           string // Run identity shared with component telemetry; generated if empty
	MaxBackwardHops int    // Default: DefaultMaxBackwardHops
	Standards       string // Coding standards handed to the code stage
}

// Deps are the stage implementations and collaborators.
type Deps struct {
	Planner  Planner
	Designer Designer
	Reviewer Reviewer
	Coder    Coder
	Tester   Tester
	Analyst  Analyst
	Store    storage.Storage // Optional; nil disables persistence
	Sink     events.Sink     // Optional; nil disables telemetry

	// History is the run's event record, read back for postmortem
	// derivation. When the caller shares one sink between the stage
	// components and the orchestrator, History must be reachable from that
	// sink so component-recorded events (reviewer outages, file gaps) are
	// seen too. Left nil, New creates one and composes it into Sink, which
	// covers the orchestrator's own events only.
	History *events.History
}

// Escalation describes why a run reached the escalated terminal state.
type Escalation struct {
	Stage  types.Stage // Last stage before escalation
	Reason string
	Err    error
	Hops   int
}

// Result is the terminal outcome of a run. Artifact fields hold the
// current (latest) revision of each artifact; superseded revisions live
// only in storage.
type Result struct {
	RunID        string
	Task         *types.TaskRequirements
	State        types.Stage
	BackwardHops int
	Plan         *types.ProjectPlan
	Spec         *types.DesignSpecification
	Review       *types.DesignReviewReport
	Code         *types.GeneratedCode
	TestReport   *types.TestReport
	Postmortem   *types.PostmortemReport
	Escalation   *Escalation
}

// Orchestrator drives one task through the pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Planner == nil || deps.Designer == nil || deps.Reviewer == nil ||
		deps.Coder == nil || deps.Tester == nil {
		return nil, fmt.Errorf("planner, designer, reviewer, coder, and tester are required")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.MaxBackwardHops <= 0 {
		cfg.MaxBackwardHops = DefaultMaxBackwardHops
	}
	if deps.Sink == nil {
		deps.Sink = events.NullSink{}
	}
	if deps.History == nil {
		deps.History = &events.History{}
		deps.Sink = events.Multi{deps.History, deps.Sink}
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// Run executes the pipeline for one task until a terminal state.
//
// The returned error is non-nil only for caller mistakes (invalid task)
// and context cancellation; a run that escalates is a legitimate terminal
// outcome reported through Result.State and Result.Escalation.
func (o *Orchestrator) Run(ctx context.Context, task *types.TaskRequirements) (*Result, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	result := &Result{RunID: o.cfg.RunID, Task: task, State: types.StagePlanning}
	o.createRun(ctx, task)

	// Feedback payloads for the next stage invocation; cleared once the
	// consuming stage has run
	var planFeedback, designFeedback []types.DesignIssue
	var defectFeedback []types.Defect

	// Code and test artifacts have no intrinsic revision; count invocations
	codeRev, testRev := 0, 0

	for !result.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run canceled in %s: %w", result.State, err)
		}

		stage := result.State
		o.emit(ctx, events.NewStageStarted(o.cfg.RunID, stage))
		start := time.Now()

		var stageErr error
		switch stage {
		case types.StagePlanning:
			plan, err := o.deps.Planner.Plan(ctx, task, result.Plan, planFeedback)
			if err != nil {
				stageErr = err
				break
			}
			planFeedback = nil
			result.Plan = plan
			o.persist(ctx, storage.ArtifactPlan, plan.Revision, plan)
			result.State = types.StageDesign

		case types.StageDesign:
			spec, err := o.deps.Designer.Design(ctx, task, result.Plan, result.Spec, designFeedback)
			if err != nil {
				stageErr = err
				break
			}
			designFeedback = nil
			result.Spec = spec
			o.persist(ctx, storage.ArtifactDesign, spec.Revision, spec)
			result.State = types.StageReview

		case types.StageReview:
			report, err := o.deps.Reviewer.Review(ctx, task, result.Spec)
			if err != nil {
				stageErr = err
				break
			}
			result.Review = report
			o.persist(ctx, storage.ArtifactReview, result.Spec.Revision, report)

			decision := route.Route(report)
			if decision.Proceed() {
				result.State = types.StageCode
				break
			}
			if !o.consumeHop(ctx, result, stage, decision.Target, len(decision.Issues)) {
				break
			}
			switch decision.Target {
			case types.StagePlanning:
				planFeedback = decision.Issues
			case types.StageDesign:
				designFeedback = decision.Issues
			}
			result.State = decision.Target

		case types.StageCode:
			code, err := o.deps.Coder.Generate(ctx, task, result.Spec, o.cfg.Standards, defectFeedback)
			if err != nil {
				stageErr = err
				break
			}
			defectFeedback = nil
			result.Code = code
			codeRev++
			o.persist(ctx, storage.ArtifactCode, codeRev, code)
			result.State = types.StageTest

		case types.StageTest:
			report, err := o.deps.Tester.Test(ctx, task, result.Spec, result.Code)
			if err != nil {
				stageErr = err
				break
			}
			result.TestReport = report
			testRev++
			o.persist(ctx, storage.ArtifactTestReport, testRev, report)

			if report.TestStatus == types.TestStatusPass {
				result.State = types.StagePostmortem
				break
			}
			if !o.consumeHop(ctx, result, stage, types.StageCode, len(report.Defects)) {
				break
			}
			defectFeedback = report.Defects
			result.State = types.StageCode

		case types.StagePostmortem:
			o.runPostmortem(ctx, result)
			result.State = types.StageDone

		default:
			return nil, fmt.Errorf("orchestrator in invalid stage %q", stage)
		}

		// A consumed-out hop budget escalates inside the stage case with a
		// nil stageErr; the stage still did not complete cleanly
		success := stageErr == nil && result.State != types.StageEscalated
		o.emit(ctx, events.NewStageCompleted(o.cfg.RunID, stage, success, time.Since(start)))

		if stageErr != nil {
			// Retries are exhausted inside the stage; a surfaced error is
			// fatal and terminates the run
			o.escalate(ctx, result, stage, "stage failure", stageErr)
		}
		o.updateRun(ctx, result)
	}

	o.emit(ctx, events.NewRunCompleted(o.cfg.RunID, result.State, result.BackwardHops))
	o.updateRun(ctx, result)
	return result, nil
}

// consumeHop spends one backward hop. Returns false if the hop budget is
// exhausted, in which case the run has been escalated.
func (o *Orchestrator) consumeHop(ctx context.Context, result *Result, from, to types.Stage, payloadSize int) bool {
	result.BackwardHops++
	if result.BackwardHops > o.cfg.MaxBackwardHops {
		o.escalate(ctx, result, from,
			fmt.Sprintf("backward hop limit exceeded (%d > %d)", result.BackwardHops, o.cfg.MaxBackwardHops), nil)
		return false
	}
	o.emit(ctx, events.NewBackwardHop(o.cfg.RunID, from, to, result.BackwardHops, payloadSize))
	return true
}

// escalate moves the run to the escalated terminal state. Escalation
// always reports the last known stage, the triggering error, and the hop
// count that led here.
func (o *Orchestrator) escalate(ctx context.Context, result *Result, stage types.Stage, reason string, err error) {
	result.State = types.StageEscalated
	result.Escalation = &Escalation{Stage: stage, Reason: reason, Err: err, Hops: result.BackwardHops}
	slog.Error("run escalated",
		"run_id", o.cfg.RunID,
		"stage", string(stage),
		"reason", reason,
		"hops", result.BackwardHops,
		"error", err)
	o.emit(ctx, events.NewEscalation(o.cfg.RunID, stage, reason, result.BackwardHops))
}

// runPostmortem derives the postmortem. A postmortem failure never blocks
// completion.
func (o *Orchestrator) runPostmortem(ctx context.Context, result *Result) {
	if o.deps.Analyst == nil {
		return
	}
	pm, err := o.deps.Analyst.Analyze(result.Task.ID, types.StageDone, result.BackwardHops,
		o.deps.History.Events(), result.TestReport, result.Code)
	if err != nil {
		slog.Warn("postmortem analysis failed", "run_id", o.cfg.RunID, "error", err)
		return
	}
	result.Postmortem = pm
	o.persist(ctx, storage.ArtifactPostmortem, 1, pm)
}

// emit forwards an event to the sink chain, which includes the history.
func (o *Orchestrator) emit(ctx context.Context, event *events.Event) {
	o.deps.Sink.Record(ctx, event)
}

// persist commits a stage artifact. Persistence failures are logged and do
// not roll back the in-memory transition.
func (o *Orchestrator) persist(ctx context.Context, kind storage.ArtifactKind, revision int, payload any) {
	if o.deps.Store == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to marshal artifact", "kind", string(kind), "error", err)
		return
	}
	artifact := &storage.Artifact{
		ID:        uuid.New().String(),
		RunID:     o.cfg.RunID,
		Kind:      kind,
		Revision:  revision,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	if err := o.deps.Store.SaveArtifact(ctx, artifact); err != nil {
		slog.Warn("failed to persist artifact", "kind", string(kind), "error", err)
	}
}

func (o *Orchestrator) createRun(ctx context.Context, task *types.TaskRequirements) {
	if o.deps.Store == nil {
		return
	}
	now := time.Now()
	run := &storage.Run{
		ID:          o.cfg.RunID,
		TaskID:      task.ID,
		Description: task.Description,
		State:       types.StagePlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		slog.Warn("failed to persist run record", "run_id", o.cfg.RunID, "error", err)
	}
}

func (o *Orchestrator) updateRun(ctx context.Context, result *Result) {
	if o.deps.Store == nil {
		return
	}
	run := &storage.Run{
		ID:           o.cfg.RunID,
		State:        result.State,
		BackwardHops: result.BackwardHops,
	}
	if err := o.deps.Store.UpdateRun(ctx, run); err != nil {
		slog.Warn("failed to update run record", "run_id", o.cfg.RunID, "error", err)
	}
}
