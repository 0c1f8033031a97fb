// Package metrics exposes Prometheus collectors for the monitoring core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omoi"

// Metrics records tick, analysis, coherence, dispatch and validation activity.
type Metrics struct {
	gatherer prometheus.Gatherer

	ticks         prometheus.Counter
	ticksSkipped  prometheus.Counter
	tickDuration  prometheus.Histogram
	analyses      *prometheus.CounterVec
	coherence     prometheus.Gauge
	duplicates    prometheus.Counter
	interventions *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg. Tests pass a dedicated registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Monitoring ticks that ran to completion.",
		}),
		ticksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because another tick was still in flight.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a monitoring tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "analyses_total",
			Help:      "Guardian analyses by result (ok, steering, degraded).",
		}, []string{"result"}),
		coherence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conductor",
			Name:      "coherence_score",
			Help:      "Coherence score of the latest tick.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conductor",
			Name:      "duplicates_total",
			Help:      "Newly recorded duplicate pairs.",
		}),
		interventions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "interventions_total",
			Help:      "Settled interventions by delivery outcome.",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "transitions_total",
			Help:      "Validation state transitions by target state.",
		}, []string{"to"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TickCompleted records a finished tick and its duration.
func (m *Metrics) TickCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

// TickSkipped records a tick dropped for overlap.
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// Analysis records one Guardian result.
func (m *Metrics) Analysis(result string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(result).Inc()
}

// Coherence sets the latest coherence score.
func (m *Metrics) Coherence(score float64) {
	if m == nil {
		return
	}
	m.coherence.Set(score)
}

// DuplicatesRecorded adds newly recorded duplicate pairs.
func (m *Metrics) DuplicatesRecorded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicates.Add(float64(n))
}

// Intervention records a settled intervention.
func (m *Metrics) Intervention(outcome string) {
	if m == nil {
		return
	}
	m.interventions.WithLabelValues(outcome).Inc()
}

// Transition records a validation state transition.
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// EventDropped records one dropped event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
