// Package metrics exposes Prometheus metrics for the analysis pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers analyses, artifacts and the audit sink. All methods
// are safe on a nil receiver so components can run without metrics.
type PipelineMetrics struct {
	Analyses         *prometheus.CounterVec
	FramesProcessed  prometheus.Counter
	AnalysisDuration prometheus.Histogram
	ArtifactFailures *prometheus.CounterVec
	AuditWrites      *prometheus.CounterVec
	JobsInFlight     prometheus.Gauge
}

// NewPipelineMetrics creates the metrics and registers them on registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.Analyses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_analyses_total",
		Help: "Total number of video analyses by outcome",
	}, []string{"status"})

	m.FramesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parking_frames_processed_total",
		Help: "Total number of frames run through the statistics pass",
	})

	m.AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parking_analysis_duration_seconds",
		Help:    "Wall time of one analysis including detection",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	m.ArtifactFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_artifact_failures_total",
		Help: "Artifacts that could not be produced",
	}, []string{"artifact"})

	m.AuditWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_audit_writes_total",
		Help: "Audit log submissions by result",
	}, []string{"result"})

	m.JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parking_jobs_in_flight",
		Help: "Analysis jobs currently queued or running",
	})
}

func (m *PipelineMetrics) ObserveAnalysis(status string, frames int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(status).Inc()
	m.FramesProcessed.Add(float64(frames))
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) IncrementArtifactFailure(artifact string) {
	if m == nil {
		return
	}
	m.ArtifactFailures.WithLabelValues(artifact).Inc()
}

// IncrementAuditWrite records one audit submission: written, duplicate or failed.
func (m *PipelineMetrics) IncrementAuditWrite(result string) {
	if m == nil {
		return
	}
	m.AuditWrites.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *PipelineMetrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Analyses.Collect(ch)
	ch <- m.FramesProcessed
	ch <- m.AnalysisDuration
	m.ArtifactFailures.Collect(ch)
	m.AuditWrites.Collect(ch)
	ch <- m.JobsInFlight
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Analyses.Describe(ch)
	ch <- m.FramesProcessed.Desc()
	ch <- m.AnalysisDuration.Desc()
	m.ArtifactFailures.Describe(ch)
	m.AuditWrites.Describe(ch)
	ch <- m.JobsInFlight.Desc()
}
