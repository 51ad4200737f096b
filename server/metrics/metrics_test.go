package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewPipelineMetrics(registry)
	require.NoError(t, err)

	m.ObserveAnalysis("completed", 120, 2*time.Second)
	m.ObserveAnalysis("failed", 0, time.Second)
	m.IncrementAuditWrite("written")
	m.IncrementAuditWrite("duplicate")
	m.IncrementAuditWrite("duplicate")
	m.IncrementArtifactFailure("heatmap")
	m.JobStarted()
	m.JobStarted()
	m.JobFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Analyses.WithLabelValues("completed")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.FramesProcessed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditWrites.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArtifactFailures.WithLabelValues("heatmap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsInFlight))

	_, err = NewPipelineMetrics(registry)
	assert.Error(t, err, "registering twice must fail")
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.ObserveAnalysis("completed", 1, time.Millisecond)
		m.IncrementAuditWrite("written")
		m.IncrementArtifactFailure("timeline")
		m.JobStarted()
		m.JobFinished()
	})
}
