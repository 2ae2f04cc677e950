// Package sim provides the discrete-time compartmental engine for HIV
// epidemic projections.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - compartments.go: the 38 health states (susceptible, circumcised, and six
//     cascade stages crossed with six CD4 strata) and their groupings
//   - params.go: SimulationParameters, the immutable per-run inputs
//   - simulator.go: the time loop and the order of work inside one step
//
// # Architecture
//
// Each step from t to t+1 runs the same pipeline:
//   - foi.go: force of infection over all partnership types, producing the
//     per-population infection probability and the acquired/caused tallies
//   - transitions.go: base disease-progression probabilities plus the
//     per-step working copy that the other stages write into
//   - cascade.go: rate-driven care-cascade junctions (plan) and the
//     target-driven corrections applied after the state advances (reconcile)
//   - demography.go: births and mother-to-child transmission, circumcision,
//     ageing, risk movement and population-size correction
//   - guard.go: the strict/tolerant policy for numerical anomalies
//
// Results are gathered in RawResults (results.go); anomalies encountered in
// tolerant mode are kept in a trace.SimulationTrace.
//
// Sub-packages build on the engine:
//   - sim/scenario/: YAML scenario files decoded into SimulationParameters
//   - sim/ensemble/: concurrent runs with perturbed transmission force
//   - sim/trace/: anomaly recording and summaries
package sim
