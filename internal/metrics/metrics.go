// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/report-verify/internal/model"
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	DecisionsTotal     *prometheus.CounterVec
	LevelsTotal        *prometheus.CounterVec
	ShortCircuits      *prometheus.CounterVec
	ClaimConflicts     prometheus.Counter
	EnqueuesTotal      *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
}

// New registers the instruments on a fresh registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_jobs_total",
			Help: "Verification jobs processed, by final state",
		}, []string{"state"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reportverify_job_duration_seconds",
			Help:    "Wall-clock time spent processing one verification job",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_decisions_total",
			Help: "Committed verification decisions, by decision and tier",
		}, []string{"decision", "tier"}),
		LevelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_level_results_total",
			Help: "Scoring level results, by level and status",
		}, []string{"level", "status"}),
		ShortCircuits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_short_circuits_total",
			Help: "Jobs that finished without a new decision, by reason",
		}, []string{"reason"}),
		ClaimConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "reportverify_claim_conflicts_total",
			Help: "Jobs abandoned because another worker held the report claim",
		}),
		EnqueuesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_enqueues_total",
			Help: "Enqueue attempts, by source and result",
		}, []string{"source", "result"}),
		CircuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportverify_circuit_transitions_total",
			Help: "Provider circuit breaker transitions, by provider and new state",
		}, []string{"provider", "state"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ObserveJob(state model.JobState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(string(state)).Inc()
	m.JobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDecision(o model.VerificationOutcome) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(o.Decision), string(o.TierKeyUsed)).Inc()
	for _, r := range o.LevelResults {
		m.LevelsTotal.WithLabelValues(string(r.LevelKey), string(r.Status)).Inc()
	}
}

func (m *Metrics) ObserveShortCircuit(reason string) {
	if m == nil {
		return
	}
	m.ShortCircuits.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

func (m *Metrics) ObserveEnqueue(source model.RequestSource, result string) {
	if m == nil {
		return
	}
	m.EnqueuesTotal.WithLabelValues(string(source), result).Inc()
}

func (m *Metrics) ObserveCircuit(provider, state string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(provider, state).Inc()
}
