// Package metrics exposes Prometheus collectors for ingestion runs.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventsync/internal/model"
)

const namespace = "eventsync"

// Candidate outcomes.
const (
	OutcomeNew       = "new"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeError     = "error"
)

type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	candidatesTotal *prometheus.CounterVec
	inactivated     prometheus.Counter
	adapterFailures *prometheus.CounterVec
	lastSuccessTS   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by mode (live, dry_run) and outcome (success, error).",
		}, []string{"mode", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of ingestion runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		candidatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Reconciled candidates by source and outcome.",
		}, []string{"source", "outcome"}),
		inactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactivated_total",
			Help:      "Events moved to inactive by the staleness sweep.",
		}),
		adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "Soft adapter failures by source and reason.",
		}, []string{"source", "reason"}),
		lastSuccessTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful live run.",
		}),
	}
	reg.MustRegister(
		m.runsTotal, m.runDuration, m.candidatesTotal,
		m.inactivated, m.adapterFailures, m.lastSuccessTS,
	)
	return m
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) AdapterFailure(source model.SourceName, reason string) {
	if m == nil {
		return
	}
	m.adapterFailures.WithLabelValues(string(source), reason).Inc()
}

func (m *Metrics) Candidates(source model.SourceName, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.candidatesTotal.WithLabelValues(string(source), outcome).Add(float64(n))
}

func (m *Metrics) Inactivated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.inactivated.Add(float64(n))
}

// ObserveRun records one finished run. A successful live run also moves
// the last-success gauge.
func (m *Metrics) ObserveRun(dryRun bool, err error, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runsTotal.WithLabelValues(mode, outcome).Inc()
	m.runDuration.Observe(d.Seconds())
	if err == nil && !dryRun {
		m.lastSuccessTS.Set(float64(finished.Unix()))
	}
}
