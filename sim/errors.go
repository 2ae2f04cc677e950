package sim

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds returned by the engine. Callers match them with errors.Is.
var (
	// ErrMissingInput indicates required parameters or settings were not supplied.
	ErrMissingInput = errors.New("sim: missing input")

	// ErrShapeMismatch indicates array dimensions inconsistent with the
	// population, timestep or compartment counts.
	ErrShapeMismatch = errors.New("sim: shape mismatch")

	// ErrInvalidValue indicates an input value that is NaN, infinite or
	// otherwise outside its domain.
	ErrInvalidValue = errors.New("sim: invalid value")

	// ErrNumericalInstability indicates probabilities that do not sum to one,
	// negative counts, or a division by an empty population.
	ErrNumericalInstability = errors.New("sim: numerical instability")
)

// SimulationError wraps an error kind with the timestep and state context in
// which it was detected.
type SimulationError struct {
	Kind        error
	Step        int
	Time        float64
	Compartment string
	Population  string
	Detail      string
}

func (e *SimulationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, " at step %d (t=%g)", e.Step, e.Time)
	if e.Compartment != "" {
		fmt.Fprintf(&b, " compartment=%s", e.Compartment)
	}
	if e.Population != "" {
		fmt.Fprintf(&b, " population=%s", e.Population)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *SimulationError) Unwrap() error {
	return e.Kind
}
