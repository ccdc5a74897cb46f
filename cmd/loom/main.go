// Command loom runs tasks through the agent pipeline: plan, design,
// review, code, test, postmortem, with corrective feedback routed to the
// stage that introduced a problem.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgPath string
	dbPath  string
	verbose bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Pipeline orchestration for text-generation agents",
	Long: `Loom drives a task through a chain of generation agents (planning,
design, design review, code, test, postmortem) and routes corrective
feedback backward to the stage that introduced a defect instead of
blindly continuing forward.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}
		if dbPath != "" {
			cfg.Storage.Path = dbPath
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the loom version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loom %s\n", Version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to run database (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
