package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Case outcome labels for CaseFinished.
const (
	CaseSucceeded = "success"
	CaseFailed    = "failed"
	CaseDegraded  = "degraded"
)

// Metrics collects run metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ObserveStage("retrieve", time.Since(start))
//	http.Handle("/metrics", metrics.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// CasesTotal counts finished test cases.
	// Labels: status (success|failed|degraded)
	CasesTotal *prometheus.CounterVec

	// StageDuration measures pipeline stage latency in seconds.
	// Labels: stage (retrieve|rerank|work|score|seed)
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	StageDuration *prometheus.HistogramVec

	// TokensTotal tracks token consumption.
	// Labels: role (work|score), type (prompt|completion)
	TokensTotal *prometheus.CounterVec

	// RetriesTotal counts retried attempts.
	// Labels: stage
	RetriesTotal *prometheus.CounterVec

	// StoreQueries counts vector store queries.
	// Labels: backend, status (success|error)
	StoreQueries *prometheus.CounterVec

	// ActiveRuns is the number of runs in progress.
	ActiveRuns prometheus.Gauge
}

// NewMetrics creates the metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragbench_cases_total",
				Help: "Total number of test cases finished by outcome",
			},
			[]string{"status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragbench_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragbench_tokens_total",
				Help: "Total number of tokens used by model role and type",
			},
			[]string{"role", "type"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragbench_retries_total",
				Help: "Total number of retried attempts by stage",
			},
			[]string{"stage"},
		),

		StoreQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragbench_store_queries_total",
				Help: "Total number of vector store queries by backend and status",
			},
			[]string{"backend", "status"},
		),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ragbench_active_runs",
			Help: "Number of test runs in progress",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CaseFinished records the outcome of one test case.
func (m *Metrics) CaseFinished(status string) {
	if m == nil {
		return
	}
	m.CasesTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddTokens records token usage for a model role.
func (m *Metrics) AddTokens(role string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.TokensTotal.WithLabelValues(role, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensTotal.WithLabelValues(role, "completion").Add(float64(completion))
	}
}

// Retried records a retried attempt.
func (m *Metrics) Retried(stage string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(stage).Inc()
}

// StoreQuery records a vector store query.
func (m *Metrics) StoreQuery(backend string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreQueries.WithLabelValues(backend, status).Inc()
}

// RunStarted increments the active run gauge and returns a func that
// decrements it.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}
