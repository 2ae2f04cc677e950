package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hivsim/hivsim/sim/trace"
)

// guard applies the strict/tolerant policy to a numerical condition. In
// strict mode every violation is returned as a *SimulationError; otherwise it
// is logged, recorded on the trace and nil is returned so the caller can
// substitute the corrected value.
type guard struct {
	strict bool
	space  *CompartmentSpace
	pops   []Population
	trace  *trace.SimulationTrace
	step   int
	time   float64
}

func (g *guard) at(step int, t float64) {
	g.step = step
	g.time = t
}

func (g *guard) compName(c int) string {
	if c < 0 {
		return ""
	}
	return g.space.Name(c)
}

func (g *guard) popName(p int) string {
	if p < 0 || p >= len(g.pops) {
		return ""
	}
	return g.pops[p].Key
}

func (g *guard) violation(kind trace.AnomalyKind, comp, pop int, value, corrected float64, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if g.strict {
		return &SimulationError{
			Kind:        ErrNumericalInstability,
			Step:        g.step,
			Time:        g.time,
			Compartment: g.compName(comp),
			Population:  g.popName(pop),
			Detail:      detail,
		}
	}
	logrus.Warnf("[step %04d t=%g] %s: %s (pop=%s comp=%s, %g -> %g)",
		g.step, g.time, kind, detail, g.popName(pop), g.compName(comp), value, corrected)
	if g.trace != nil {
		g.trace.Record(trace.AnomalyRecord{
			Step:        g.step,
			Time:        g.time,
			Kind:        kind,
			Compartment: g.compName(comp),
			Population:  g.popName(pop),
			Value:       value,
			Corrected:   corrected,
			Detail:      detail,
		})
	}
	return nil
}

// missing is like violation but reports ErrMissingInput in strict mode.
func (g *guard) missing(kind trace.AnomalyKind, pop int, format string, args ...any) error {
	if g.strict {
		return &SimulationError{
			Kind:       ErrMissingInput,
			Step:       g.step,
			Time:       g.time,
			Population: g.popName(pop),
			Detail:     fmt.Sprintf(format, args...),
		}
	}
	return g.violation(kind, -1, pop, 0, 0, format, args...)
}
