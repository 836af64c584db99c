package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestTrackerCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("stock:expiry_sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("stock:expiry_sweep").End(boom), boom)

	require.Equal(t, 1.0, counterValue(t, reg, "foodops_jobs_total", map[string]string{"job": "stock:expiry_sweep", "status": "success"}))
	require.Equal(t, 1.0, counterValue(t, reg, "foodops_jobs_total", map[string]string{"job": "stock:expiry_sweep", "status": "failure"}))
	require.Equal(t, 1.0, counterValue(t, reg, "foodops_jobs_failures_total", map[string]string{"job": "stock:expiry_sweep"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.AddDrift(3)
}

func TestAddDriftIgnoresEmptyRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AddDrift(0)
	m.AddDrift(2)
	require.Equal(t, 2.0, counterValue(t, reg, "foodops_aggregate_drift_total", nil))
}
