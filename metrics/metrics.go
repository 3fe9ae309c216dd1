// Package metrics exposes pipeline state to Prometheus. Backlog gauges are
// read from the database on every scrape; job counters are recorded by the
// HTTP and ticker paths that run the jobs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const scrapeTimeout = 10 * time.Second

// Amount pairs a row count with the summed minor units.
type Amount struct {
	Count int
	Total int64
}

// Snapshot is the backlog state at scrape time, keyed by status or channel.
type Snapshot struct {
	RetryTasks map[string]int
	Deliveries map[string]int
	DLQ        map[string]int
	Escrow     map[string]Amount
}

type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

type Metrics struct {
	registry    *prometheus.Registry
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func New(source Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundflow",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundflow",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
	}
	m.registry.MustRegister(m.jobRuns, m.jobDuration)
	if source != nil {
		m.registry.MustRegister(newBacklogCollector(source))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one run of job. A nil receiver is a no-op.
func (m *Metrics) ObserveJob(job string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

type backlogCollector struct {
	source       Source
	retryTasks   *prometheus.Desc
	deliveries   *prometheus.Desc
	dlq          *prometheus.Desc
	escrowCount  *prometheus.Desc
	escrowAmount *prometheus.Desc
}

func newBacklogCollector(source Source) *backlogCollector {
	return &backlogCollector{
		source: source,
		retryTasks: prometheus.NewDesc("fundflow_retry_tasks",
			"Payout retry tasks by status.", []string{"status"}, nil),
		deliveries: prometheus.NewDesc("fundflow_deliveries",
			"Notification delivery records by status.", []string{"status"}, nil),
		dlq: prometheus.NewDesc("fundflow_dlq_entries",
			"Dead-lettered deliveries by channel.", []string{"channel"}, nil),
		escrowCount: prometheus.NewDesc("fundflow_escrow_records",
			"Held fund records by status.", []string{"status"}, nil),
		escrowAmount: prometheus.NewDesc("fundflow_escrow_amount_minor",
			"Held fund amounts in minor units by status.", []string{"status"}, nil),
	}
}

func (c *backlogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.retryTasks
	ch <- c.deliveries
	ch <- c.dlq
	ch <- c.escrowCount
	ch <- c.escrowAmount
}

func (c *backlogCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.retryTasks, err)
		return
	}
	for status, n := range snap.RetryTasks {
		ch <- prometheus.MustNewConstMetric(c.retryTasks, prometheus.GaugeValue, float64(n), status)
	}
	for status, n := range snap.Deliveries {
		ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.GaugeValue, float64(n), status)
	}
	for channel, n := range snap.DLQ {
		ch <- prometheus.MustNewConstMetric(c.dlq, prometheus.GaugeValue, float64(n), channel)
	}
	for status, a := range snap.Escrow {
		ch <- prometheus.MustNewConstMetric(c.escrowCount, prometheus.GaugeValue, float64(a.Count), status)
		ch <- prometheus.MustNewConstMetric(c.escrowAmount, prometheus.GaugeValue, float64(a.Total), status)
	}
}
