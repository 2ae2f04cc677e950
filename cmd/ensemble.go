package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hivsim/hivsim/sim"
	"github.com/hivsim/hivsim/sim/ensemble"
)

var (
	ensembleCfg      ensemble.Config // Members, workers, seed and force spread
	ensembleQuantile float64         // Lower quantile of the reported envelope
)

// ensembleCmd runs perturbed copies of a scenario in parallel
var ensembleCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Run an ensemble of simulations with perturbed force of infection",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := runEnsemble(ctx, cmd.OutOrStdout(), scenarioPath, overridesFrom(cmd), ensembleCfg, ensembleQuantile, outputPath); err != nil {
			logrus.Fatalf("Ensemble failed: %v", err)
		}
		logrus.Info("Ensemble complete.")
	},
}

// runEnsemble runs the ensemble, prints the final-year envelope to w and
// optionally writes it to outPath.
func runEnsemble(ctx context.Context, w io.Writer, path string, ov runOverrides, cfg ensemble.Config, q float64, outPath string) error {
	s, params, opts, err := loadScenario(path, ov)
	if err != nil {
		return err
	}
	startTime := time.Now()
	space := sim.NewCompartmentSpace()
	members, err := ensemble.Run(ctx, space, params, opts, cfg)
	if err != nil {
		return err
	}
	logrus.Infof("Ensemble of %d took %s", len(members), time.Since(startTime))

	plhiv, err := ensemble.Spread(members, space, q, func(t sim.Totals) []float64 { return t.PLHIV })
	if err != nil {
		return err
	}
	incidence, err := ensemble.Spread(members, space, q, func(t sim.Totals) []float64 { return t.Incidence })
	if err != nil {
		return err
	}

	last := params.NPts() - 1
	fmt.Fprintln(w, "=== Ensemble Results ===")
	fmt.Fprintf(w, "Scenario             : %s\n", s.Name)
	fmt.Fprintf(w, "Members / seed       : %d / %d\n", len(members), cfg.Seed)
	fmt.Fprintf(w, "PLHIV (end)          : %.0f [%.0f, %.0f]\n", plhiv.Mean[last], plhiv.Low[last], plhiv.High[last])
	if last > 0 {
		fmt.Fprintf(w, "Incidence (last yr)  : %.1f [%.1f, %.1f]\n", incidence.Mean[last-1], incidence.Low[last-1], incidence.High[last-1])
	}

	if outPath == "" {
		return nil
	}
	out := ensembleFile{
		Scenario:  s.Name,
		Seed:      cfg.Seed,
		Quantile:  q,
		Time:      params.TVec,
		PLHIV:     plhiv,
		Incidence: incidence,
	}
	for _, m := range members {
		out.Force = append(out.Force, m.Force)
	}
	return writeResults(outPath, out)
}

func init() {
	ensembleCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the YAML scenario")
	ensembleCmd.Flags().BoolVar(&strictMode, "strict", false, "Fail on numerical instability (overrides the scenario's options.strict)")
	ensembleCmd.Flags().StringVar(&traceLevel, "trace-level", "anomalies", "Trace verbosity: counts or anomalies (overrides the scenario's options.trace_level)")
	ensembleCmd.Flags().StringVar(&outputPath, "output", "", "Write the ensemble envelope to this file (.json, .yaml or .yml)")
	ensembleCmd.Flags().IntVar(&ensembleCfg.Members, "members", 10, "Number of ensemble members")
	ensembleCmd.Flags().IntVar(&ensembleCfg.Workers, "workers", 0, "Concurrent members (0 = one per member)")
	ensembleCmd.Flags().Int64Var(&ensembleCfg.Seed, "seed", 42, "Seed for force-of-infection perturbations")
	ensembleCmd.Flags().Float64Var(&ensembleCfg.ForceSpread, "force-spread", 0.1, "Log-normal spread of the per-population force multiplier")
	ensembleCmd.Flags().Float64Var(&ensembleQuantile, "quantile", 0.05, "Lower quantile of the reported envelope (upper is 1 - quantile)")
	_ = ensembleCmd.MarkFlagRequired("scenario")

	rootCmd.AddCommand(ensembleCmd)
}
