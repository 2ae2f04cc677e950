package scenario

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/hivsim/hivsim/sim"
)

// carryKeyword marks a target that reuses the previous step's proportion.
const carryKeyword = "carry"

// Values is a time series in a scenario file. A scalar is broadcast over
// every timestep; a list must have one entry per timestep.
type Values struct {
	Points []float64
	Scalar bool
}

// Const returns a broadcast scalar series.
func Const(v float64) Values { return Values{Points: []float64{v}, Scalar: true} }

// IsSet reports whether the value appeared in the file.
func (v Values) IsSet() bool { return len(v.Points) > 0 }

// UnmarshalYAML accepts either a number or a sequence of numbers.
func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var f float64
		if err := node.Decode(&f); err != nil {
			return fmt.Errorf("line %d: expected a number or a list of numbers: %w", node.Line, err)
		}
		*v = Const(f)
	case yaml.SequenceNode:
		var points []float64
		if err := node.Decode(&points); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = Values{Points: points}
	default:
		return fmt.Errorf("line %d: expected a number or a list of numbers", node.Line)
	}
	return nil
}

// Expand returns npts points, broadcasting a scalar.
func (v Values) Expand(npts int) ([]float64, error) {
	if v.Scalar {
		out := make([]float64, npts)
		for i := range out {
			out[i] = v.Points[0]
		}
		return out, nil
	}
	if len(v.Points) != npts {
		return nil, fmt.Errorf("has %d points, want 1 or %d", len(v.Points), npts)
	}
	return append([]float64(nil), v.Points...), nil
}

func (v Values) validate(name string, npts int) error {
	if !v.IsSet() {
		return nil
	}
	if !v.Scalar && len(v.Points) != npts {
		return fmt.Errorf("%s has %d points, want 1 or %d", name, len(v.Points), npts)
	}
	for i, f := range v.Points {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s[%d] must be a finite number, got %f", name, i, f)
		}
		if f < 0 {
			return fmt.Errorf("%s[%d] must be non-negative, got %f", name, i, f)
		}
	}
	return nil
}

// Targets is a cascade or PMTCT target series. Each entry is null (no
// target), a number, or the keyword "carry". A single entry is broadcast.
type Targets struct {
	Points []sim.Target
	Scalar bool
}

// IsSet reports whether the targets appeared in the file.
func (t Targets) IsSet() bool { return len(t.Points) > 0 }

// UnmarshalYAML accepts a single target or a sequence of targets.
func (t *Targets) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		tg, err := decodeTarget(node)
		if err != nil {
			return err
		}
		*t = Targets{Points: []sim.Target{tg}, Scalar: true}
	case yaml.SequenceNode:
		points := make([]sim.Target, len(node.Content))
		for i, item := range node.Content {
			tg, err := decodeTarget(item)
			if err != nil {
				return err
			}
			points[i] = tg
		}
		*t = Targets{Points: points}
	default:
		return fmt.Errorf("line %d: expected a target or a list of targets", node.Line)
	}
	return nil
}

func decodeTarget(node *yaml.Node) (sim.Target, error) {
	if node.Kind != yaml.ScalarNode {
		return sim.Target{}, fmt.Errorf("line %d: target must be null, a number or %q", node.Line, carryKeyword)
	}
	if node.ShortTag() == "!!null" {
		return sim.Target{}, nil
	}
	if node.Value == carryKeyword {
		return sim.Target{Kind: sim.CarryForward}, nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return sim.Target{}, fmt.Errorf("line %d: target must be null, a number or %q", node.Line, carryKeyword)
	}
	return sim.FixedTarget(f), nil
}

// Expand returns npts targets, broadcasting a single entry. Unset targets
// expand to nil so the junction stays rate-driven.
func (t Targets) Expand(npts int) ([]sim.Target, error) {
	if !t.IsSet() {
		return nil, nil
	}
	if t.Scalar {
		out := make([]sim.Target, npts)
		for i := range out {
			out[i] = t.Points[0]
		}
		return out, nil
	}
	if len(t.Points) != npts {
		return nil, fmt.Errorf("has %d points, want 1 or %d", len(t.Points), npts)
	}
	return append([]sim.Target(nil), t.Points...), nil
}

func (t Targets) validate(name string, npts int, proportion bool) error {
	if !t.IsSet() {
		return nil
	}
	if !t.Scalar && len(t.Points) != npts {
		return fmt.Errorf("%s has %d points, want 1 or %d", name, len(t.Points), npts)
	}
	for i, tg := range t.Points {
		if tg.Kind != sim.Fixed {
			continue
		}
		if math.IsNaN(tg.Value) || math.IsInf(tg.Value, 0) || tg.Value < 0 {
			return fmt.Errorf("%s[%d] must be a non-negative finite number, got %f", name, i, tg.Value)
		}
		if proportion && tg.Value > 1 {
			return fmt.Errorf("%s[%d] is a proportion and must be at most 1, got %f", name, i, tg.Value)
		}
	}
	return nil
}
