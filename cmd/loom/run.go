package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/codegen"
	"github.com/loomctl/loom/internal/design"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/pipeline"
	"github.com/loomctl/loom/internal/plan"
	"github.com/loomctl/loom/internal/postmortem"
	"github.com/loomctl/loom/internal/review"
	"github.com/loomctl/loom/internal/storage"
	"github.com/loomctl/loom/internal/storage/sqlite"
	"github.com/loomctl/loom/internal/types"
	"github.com/loomctl/loom/internal/verify"
)

var (
	runRequirements string
	runContextRefs  []string
	runOutDir       string
)

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Run a task through the pipeline",
	Long: `Run a task through the full pipeline. The description is the task in
natural language; --requirements adds explicit constraints.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		task := &types.TaskRequirements{
			ID:           "task-" + uuid.New().String()[:8],
			Description:  strings.Join(args, " "),
			Requirements: runRequirements,
			ContextRefs:  runContextRefs,
			CreatedAt:    time.Now(),
		}

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening run database: %w", err)
		}
		defer store.Close()

		client, err := ai.NewClient(ai.ClientConfig{
			Model: cfg.Model,
			Retry: cfg.RetryConfig(),
		})
		if err != nil {
			return err
		}

		runID := uuid.New().String()
		// One history shared by every component's sink, so outages and gaps
		// recorded inside stages show up in the postmortem
		history := &events.History{}
		sink := events.Multi{history, events.LogSink{}, &storage.EventSink{Store: store}}

		unitFor := func(stage types.Stage) *gen.Unit {
			return gen.New(client,
				gen.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
				gen.WithTelemetry(sink, runID, stage))
		}

		orch, err := pipeline.New(
			pipeline.Config{
				RunID:           runID,
				MaxBackwardHops: cfg.Pipeline.MaxBackwardHops,
				Standards:       cfg.Pipeline.Standards,
			},
			pipeline.Deps{
				Planner:  plan.NewPlanner(unitFor(types.StagePlanning)),
				Designer: design.NewDesigner(unitFor(types.StageDesign)),
				Reviewer: review.NewAggregator(unitFor(types.StageReview), sink, runID),
				Coder: codegen.NewController(unitFor(types.StageCode), codegen.Options{
					Workers:    cfg.Codegen.Workers,
					FatalGaps:  cfg.Codegen.FatalGaps,
					SingleCall: cfg.Codegen.SingleCall,
				}, sink, runID),
				Tester:  verify.NewTester(unitFor(types.StageTest)),
				Analyst: postmortem.NewAnalyst(),
				Store:   store,
				Sink:    sink,
				History: history,
			})
		if err != nil {
			return err
		}

		fmt.Printf("Running task %s (run %s, model %s)\n", task.ID, runID[:8], client.Model())
		result, err := orch.Run(ctx, task)
		if err != nil {
			return err
		}

		printResult(result)

		if runOutDir != "" && result.Code != nil {
			if err := writeFiles(runOutDir, result.Code); err != nil {
				return fmt.Errorf("writing generated files: %w", err)
			}
			fmt.Printf("Wrote %d files to %s\n", result.Code.FileCount, runOutDir)
		}

		if result.State == types.StageEscalated {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runRequirements, "requirements", "r", "", "Explicit requirements for the task")
	runCmd.Flags().StringSliceVar(&runContextRefs, "context", nil, "Context references (repeatable)")
	runCmd.Flags().StringVarP(&runOutDir, "out", "o", "", "Directory to write generated files to")
}

func printResult(result *pipeline.Result) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Println()
	switch result.State {
	case types.StageDone:
		fmt.Printf("%s Run completed (%d backward hops)\n", green("✓"), result.BackwardHops)
	case types.StageEscalated:
		esc := result.Escalation
		fmt.Printf("%s Run escalated at stage %s after %d backward hops: %s\n",
			red("✗"), esc.Stage, esc.Hops, esc.Reason)
		if esc.Err != nil {
			fmt.Printf("  %v\n", esc.Err)
		}
	}

	if result.Plan != nil {
		fmt.Printf("  Plan: %d units, complexity %.2f (revision %d)\n",
			len(result.Plan.Units), result.Plan.TotalComplexity, result.Plan.Revision)
	}
	if result.Review != nil {
		fmt.Printf("  Review: %s, %d issues\n", result.Review.Assessment, len(result.Review.Issues))
	}
	if result.Code != nil {
		fmt.Printf("  Code: %d files, %d bytes", result.Code.FileCount, result.Code.TotalBytes)
		if len(result.Code.Gaps) > 0 {
			fmt.Printf(", %s", yellow(fmt.Sprintf("%d gaps", len(result.Code.Gaps))))
		}
		fmt.Println()
	}
	if result.TestReport != nil {
		fmt.Printf("  Test: %s, %d defects\n", result.TestReport.TestStatus, result.TestReport.TotalDefects)
	}
	if result.Postmortem != nil && len(result.Postmortem.Proposals) > 0 {
		fmt.Printf("  Postmortem: %d pending proposals\n", len(result.Postmortem.Proposals))
	}
}

func writeFiles(dir string, code *types.GeneratedCode) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range code.Files {
		// Manifest paths come from a model; refuse anything that escapes
		// the output directory
		path := filepath.Join(root, filepath.FromSlash(f.Path))
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return fmt.Errorf("generated path %q escapes output directory", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
