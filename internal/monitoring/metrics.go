// Package monitoring exposes Prometheus metrics for the filing pipeline.
// Observations are additive; nothing here alters pipeline behavior.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every pipeline instrument. Register one instance per
// process.
type Metrics struct {
	StageTotal      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	DocumentsTotal  *prometheus.CounterVec
	LLMCallsSkipped prometheus.Counter
	LockSkipped     prometheus.Counter
	DimensionErrors prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// NewMetrics builds and registers the instrument set. Pass
// prometheus.DefaultRegisterer in production; tests use their own
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stage_total",
			Help:      "Stage executions by stage, company code, and outcome.",
		}, []string{"stage", "company_code", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time by stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		}, []string{"stage"}),
		DocumentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "documents_total",
			Help:      "Documents finished by terminal outcome.",
		}, []string{"outcome"}),
		LLMCallsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "llm_calls_skipped_total",
			Help:      "Extractions satisfied by the existing-company shortcut.",
		}),
		LockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "lock_skipped_total",
			Help:      "Documents skipped because the file lock stayed contended.",
		}),
		DimensionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "embedding_dimension_errors_total",
			Help:      "Embeddings dropped for having the wrong dimension.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "queue_depth",
			Help:      "Documents waiting for a worker.",
		}),
	}
	reg.MustRegister(
		m.StageTotal, m.StageDuration, m.DocumentsTotal,
		m.LLMCallsSkipped, m.LockSkipped, m.DimensionErrors, m.QueueDepth,
	)
	return m
}

// TrackStage observes one stage execution: call it with the start time
// once the stage returns.
func (m *Metrics) TrackStage(stage, companyCode string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.StageTotal.WithLabelValues(stage, companyCode, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
