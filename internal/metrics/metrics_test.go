package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExposesCollectors(t *testing.T) {
	// --- Arrange ---
	CyclesTotal.WithLabelValues("install-time").Inc()
	BuildsTotal.WithLabelValues("succeeded").Inc()
	BuildDuration.Observe(1.5)

	// --- Act ---
	families, err := Registry.Gather()

	// --- Assert ---
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, f := range families {
		byName[f.GetName()] += 0
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[f.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				byName[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.GreaterOrEqual(t, byName["bootstrapgo_cycles_total"], 1.0)
	assert.GreaterOrEqual(t, byName["bootstrapgo_builds_total"], 1.0)
	assert.GreaterOrEqual(t, byName["bootstrapgo_build_duration_seconds"], 1.0)
	assert.Contains(t, byName, "go_goroutines")
}
