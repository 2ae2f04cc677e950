package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hivsim/hivsim/sim/trace"
)

func TestDefaultOptions_Tolerant(t *testing.T) {
	opts := DefaultOptions()
	assert.False(t, opts.Strict)
	assert.True(t, opts.ReconcileNoInflow)
	assert.False(t, opts.ForcePopSize)
	assert.Greater(t, opts.Eps, 0.0)
	assert.Equal(t, 1.0, opts.TreatmentSlack)
	assert.Equal(t, trace.TraceLevelAnomalies, opts.TraceLevel)
}

func TestOptions_Normalized_FillsNonPositive(t *testing.T) {
	def := DefaultOptions()
	got := Options{Strict: true, TreatmentSlack: -1}.normalized()

	assert.True(t, got.Strict)
	assert.Equal(t, def.Eps, got.Eps)
	assert.Equal(t, def.SumTolerance, got.SumTolerance)
	assert.Equal(t, def.NegativeTolerance, got.NegativeTolerance)
	assert.Equal(t, def.MaxPopSizeCorrection, got.MaxPopSizeCorrection)
	assert.Equal(t, def.TreatmentSlack, got.TreatmentSlack)
	assert.Equal(t, def.TraceLevel, got.TraceLevel)
}

func TestOptions_Normalized_KeepsExplicitZeroSlack(t *testing.T) {
	got := Options{TreatmentSlack: 0}.normalized()
	assert.Equal(t, 0.0, got.TreatmentSlack)
}
