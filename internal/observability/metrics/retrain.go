// Package metrics exposes Prometheus metrics for retrain decisions and
// model registrations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ports "model-retrain-service/internal/core/ports/output"
)

// RetrainMetrics implements ports.DecisionRecorder on top of a Prometheus registry.
type RetrainMetrics struct {
	DecisionsTotal     *prometheus.CounterVec
	RegistrationsTotal *prometheus.CounterVec
	ChallengerF1       prometheus.Gauge
	IncumbentF1        prometheus.Gauge
	Duration           *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ ports.DecisionRecorder = (*RetrainMetrics)(nil)

// NewRetrainMetrics creates the retrain metrics and registers them with registry.
func NewRetrainMetrics(registry *prometheus.Registry) (*RetrainMetrics, error) {
	m := &RetrainMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register retrain metrics: %w", err)
	}
	return m, nil
}

func (m *RetrainMetrics) initMetrics() {
	m.DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrain_decisions_total",
			Help: "Retrain decisions partitioned by outcome (promoted, held, failed).",
		},
		[]string{"outcome"},
	)
	m.RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_registrations_total",
			Help: "Best-model registration attempts partitioned by result (registered, skipped, failed).",
		},
		[]string{"result"},
	)
	m.ChallengerF1 = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrain_challenger_f1",
			Help: "Test F1 score of the most recent challenger.",
		},
	)
	m.IncumbentF1 = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrain_incumbent_f1",
			Help: "F1 score of the incumbent on the most recent month, 0 on cold start.",
		},
	)
	m.Duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrain_duration_seconds",
			Help:    "Wall time of a retrain decision.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
		[]string{"outcome"},
	)
}

// ObserveDecision records one retrain outcome. Scores are only published
// when the decision got far enough to compute them.
func (m *RetrainMetrics) ObserveDecision(outcome string, incumbentF1, challengerF1 float64, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
	m.Duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome != ports.OutcomeFailed {
		m.IncumbentF1.Set(incumbentF1)
		m.ChallengerF1.Set(challengerF1)
	}
}

func (m *RetrainMetrics) ObserveRegistration(result string) {
	m.RegistrationsTotal.WithLabelValues(result).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *RetrainMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DecisionsTotal.Describe(ch)
	m.RegistrationsTotal.Describe(ch)
	ch <- m.ChallengerF1.Desc()
	ch <- m.IncumbentF1.Desc()
	m.Duration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *RetrainMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DecisionsTotal.Collect(ch)
	m.RegistrationsTotal.Collect(ch)
	ch <- m.ChallengerF1
	ch <- m.IncumbentF1
	m.Duration.Collect(ch)
}
