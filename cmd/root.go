package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel     string // Log verbosity level
	scenarioPath string // Path to the YAML scenario
	strictMode   bool   // Fail on numerical instability instead of correcting it
	outputPath   string // Optional results file (.json, .yaml or .yml)
	traceLevel   string // Trace verbosity (counts, anomalies)
)

// runOverrides holds the command-line settings that replace the scenario's
// own options when given.
type runOverrides struct {
	strict     *bool
	traceLevel *string
}

// overridesFrom collects the flags the user set explicitly.
func overridesFrom(cmd *cobra.Command) runOverrides {
	var ov runOverrides
	if cmd.Flags().Changed("strict") {
		ov.strict = &strictMode
	}
	if cmd.Flags().Changed("trace-level") {
		ov.traceLevel = &traceLevel
	}
	return ov
}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "hivsim",
	Short: "Discrete-time compartmental HIV epidemic simulator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// runCmd executes a single simulation of the scenario
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation of a scenario",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runScenario(cmd.OutOrStdout(), scenarioPath, overridesFrom(cmd), outputPath); err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// validateCmd checks a scenario without running it
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that a scenario file loads and resolves",
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateScenario(cmd.OutOrStdout(), scenarioPath); err != nil {
			logrus.Fatalf("Invalid scenario: %v", err)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the YAML scenario")
	runCmd.Flags().BoolVar(&strictMode, "strict", false, "Fail on numerical instability (overrides the scenario's options.strict)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "anomalies", "Trace verbosity: counts or anomalies (overrides the scenario's options.trace_level)")
	runCmd.Flags().StringVar(&outputPath, "output", "", "Write annualized results to this file (.json, .yaml or .yml)")
	_ = runCmd.MarkFlagRequired("scenario")

	validateCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the YAML scenario")
	_ = validateCmd.MarkFlagRequired("scenario")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
