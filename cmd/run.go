package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivsim/hivsim/sim"
	"github.com/hivsim/hivsim/sim/scenario"
	"github.com/hivsim/hivsim/sim/trace"
)

// loadScenario reads, validates and resolves a scenario file, then applies
// the command-line overrides.
func loadScenario(path string, ov runOverrides) (*scenario.Scenario, *sim.SimulationParameters, sim.Options, error) {
	s, err := scenario.Load(path)
	if err != nil {
		return nil, nil, sim.Options{}, err
	}
	params, opts, err := s.Build()
	if err != nil {
		return nil, nil, sim.Options{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	if ov.strict != nil {
		opts.Strict = *ov.strict
	}
	if ov.traceLevel != nil {
		if !trace.IsValidTraceLevel(*ov.traceLevel) {
			return nil, nil, sim.Options{}, fmt.Errorf("unknown trace level %q; valid: counts, anomalies", *ov.traceLevel)
		}
		opts.TraceLevel = trace.TraceLevel(*ov.traceLevel)
	}
	return s, params, opts, nil
}

// runScenario runs one simulation, prints the summary to w and optionally
// writes the annualized results to outPath.
func runScenario(w io.Writer, path string, ov runOverrides, outPath string) error {
	s, params, opts, err := loadScenario(path, ov)
	if err != nil {
		return err
	}
	logrus.Infof("Starting simulation of %q: %d populations, %d points, strict=%v",
		s.Name, params.NPops(), params.NPts(), opts.Strict)

	startTime := time.Now()
	space := sim.NewCompartmentSpace()
	res, err := sim.Run(space, params, opts)
	if err != nil {
		return err
	}
	logrus.Infof("Simulation took %s", time.Since(startTime))

	res.Print(w, space)
	if summary := trace.Summarize(res.Trace); !summary.Clean() {
		logrus.Warnf("%d anomalies corrected in tolerant mode (populations %v); re-run with --strict to fail on them",
			summary.Total, summary.Populations)
	}
	if outPath == "" {
		return nil
	}
	return writeResults(outPath, newResultsFile(s.Name, res, space))
}

// validateScenario loads and resolves the scenario and reports its shape.
func validateScenario(w io.Writer, path string) error {
	s, params, opts, err := loadScenario(path, runOverrides{})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Scenario %q is valid: %d populations, %d partnerships, %d points (%g - %g, dt %g), strict=%v\n",
		s.Name, params.NPops(), len(params.Partnerships), params.NPts(),
		params.TVec[0], params.TVec[params.NPts()-1], params.DT, opts.Strict)
	return nil
}
