package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs             *prometheus.CounterVec
	failures         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	invoices         *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	divisionFailures *prometheus.CounterVec
	violations       prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddInvoices counts invoices issued by a generation run, per invoice type.
func (m *Metrics) AddInvoices(invoiceType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.invoices.WithLabelValues(invoiceType).Add(float64(count))
}

// AddSkipped counts zero-amount recipients skipped by a generation run.
func (m *Metrics) AddSkipped(invoiceType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.skipped.WithLabelValues(invoiceType).Add(float64(count))
}

// AddDivisionFailure counts a Division that stopped at the given stage.
func (m *Metrics) AddDivisionFailure(stage string) {
	if m == nil {
		return
	}
	m.divisionFailures.WithLabelValues(stage).Inc()
}

// AddLedgerViolations counts aggregates whose projection diverged from replay.
func (m *Metrics) AddLedgerViolations(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.violations.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	invoices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_invoices_generated_total",
		Help: "Invoices issued by generation runs, by invoice type.",
	}, []string{"type"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_invoices_skipped_total",
		Help: "Zero-amount recipients skipped by generation runs, by invoice type.",
	}, []string{"type"})
	divisionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_division_failures_total",
		Help: "Divisions whose generation stopped, by failing stage.",
	}, []string{"stage"})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_ledger_violations_total",
		Help: "Balance projections found diverging from their event replay.",
	})
	registerer.MustRegister(runs, failures, duration, invoices, skipped, divisionFailures, violations)
	return &Metrics{
		runs:             runs,
		failures:         failures,
		duration:         duration,
		invoices:         invoices,
		skipped:          skipped,
		divisionFailures: divisionFailures,
		violations:       violations,
	}
}
