package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/storage/sqlite"
	"github.com/loomctl/loom/internal/types"
)

var showEvents bool

var showCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show stored runs, or one run's artifacts",
	Long: `Without arguments, lists recent runs. With a run id, shows that run's
stage artifacts (and with --events, its telemetry events).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening run database: %w", err)
		}
		defer store.Close()

		if len(args) == 0 {
			runs, err := store.ListRuns(ctx, 20)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s  %-10s  hops=%d  %s  %s\n",
					run.ID, stateLabel(run.State), run.BackwardHops,
					run.CreatedAt.Format(time.DateTime), run.Description)
			}
			return nil
		}

		runID := args[0]
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}

		fmt.Printf("Run %s (task %s): %s, %d backward hops\n",
			run.ID, run.TaskID, stateLabel(run.State), run.BackwardHops)

		artifacts, err := store.ListArtifacts(ctx, runID)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			var pretty json.RawMessage = a.Payload
			if buf, err := json.MarshalIndent(pretty, "  ", "  "); err == nil {
				pretty = buf
			}
			fmt.Printf("\n--- %s (revision %d, %s) ---\n  %s\n",
				a.Kind, a.Revision, a.CreatedAt.Format(time.DateTime), pretty)
		}

		if showEvents {
			evs, err := store.ListEvents(ctx, runID)
			if err != nil {
				return err
			}
			fmt.Printf("\nEvents (%d):\n", len(evs))
			for _, e := range evs {
				fmt.Printf("  %s  %-22s  %-10s  %s\n",
					e.Timestamp.Format(time.TimeOnly), e.Type, e.Stage, e.Message)
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Include telemetry events")
}

func stateLabel(state types.Stage) string {
	switch state {
	case types.StageDone:
		return color.GreenString(string(state))
	case types.StageEscalated:
		return color.RedString(string(state))
	default:
		return color.YellowString(string(state))
	}
}
