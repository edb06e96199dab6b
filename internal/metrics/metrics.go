// ============================================================================
// bulkwrite Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose job registry and write orchestration metrics
//
// Metric families:
//
//   1. Job counters (Counter):
//      - bulkwrite_jobs_submitted_total{type}
//      - bulkwrite_jobs_finished_total{type,status}   status = completed|failed|cancelled
//      - bulkwrite_jobs_evicted_total
//
//   2. Job gauges (Gauge):
//      - bulkwrite_jobs_pending
//      - bulkwrite_jobs_active
//
//   3. Write path:
//      - bulkwrite_subtree_writes_total{outcome}      outcome = success|failure
//      - bulkwrite_subtree_retries_total
//      - bulkwrite_write_latency_seconds               one applyMutation call
//      - bulkwrite_ratelimit_wait_seconds              time blocked in Acquire
//      - bulkwrite_runs_total{outcome}
//      - bulkwrite_run_duration_seconds
//      - bulkwrite_job_duration_seconds{type}
//
// Example queries:
//
//   # subtree failure ratio
//   rate(bulkwrite_subtree_writes_total{outcome="failure"}[5m])
//     / rate(bulkwrite_subtree_writes_total[5m])
//
//   # p95 time spent waiting for a token
//   histogram_quantile(0.95, bulkwrite_ratelimit_wait_seconds_bucket)
//
// All Record* methods are safe on a nil *Collector so components can run
// without metrics.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulkwrite"

// Collector holds every bulkwrite metric
type Collector struct {
	// job registry
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsEvicted   prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	jobsPending   prometheus.Gauge
	jobsActive    prometheus.Gauge

	// write path
	subtreeWrites *prometheus.CounterVec
	retries       prometheus.Counter
	writeLatency  prometheus.Histogram
	rateWait      prometheus.Histogram
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

// NewCollector creates the collector and registers it with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the registry",
		}, []string{"type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"type", "status"}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_evicted_total",
			Help:      "Total number of terminal jobs removed by the sweeper",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to its terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Current number of processing jobs",
		}),
		subtreeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtree_writes_total",
			Help:      "Subtree write attempts by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtree_retries_total",
			Help:      "Total number of subtree retry attempts",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Latency of a single outliner write call",
			Buckets:   prometheus.DefBuckets,
		}),
		rateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter token",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestrator runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one orchestrator run",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobsEvicted,
		c.jobDuration,
		c.jobsPending,
		c.jobsActive,
		c.subtreeWrites,
		c.retries,
		c.writeLatency,
		c.rateWait,
		c.runs,
		c.runDuration,
	)

	return c
}

// RecordSubmitted counts a submitted job
func (c *Collector) RecordSubmitted(jobType string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(jobType).Inc()
}

// RecordFinished counts a job reaching a terminal status.
// elapsed is the processing time; zero skips the histogram (job never started).
func (c *Collector) RecordFinished(jobType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(jobType, status).Inc()
	if elapsed > 0 {
		c.jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
	}
}

// RecordEvicted counts jobs removed by the sweeper
func (c *Collector) RecordEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsEvicted.Add(float64(n))
}

// UpdateQueueStats sets the pending and active gauges
func (c *Collector) UpdateQueueStats(pending, active int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsActive.Set(float64(active))
}

// RecordSubtreeWrite counts one subtree attempt and its write latency
func (c *Collector) RecordSubtreeWrite(success bool, latency time.Duration) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.subtreeWrites.WithLabelValues(outcome).Inc()
	c.writeLatency.Observe(latency.Seconds())
}

// RecordRetry counts one retry attempt
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordRateLimitWait observes time spent blocked on a limiter
func (c *Collector) RecordRateLimitWait(d time.Duration) {
	if c == nil {
		return
	}
	c.rateWait.Observe(d.Seconds())
}

// RecordRun counts a finished orchestrator run
func (c *Collector) RecordRun(success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// Handler exposes the metrics gathered by g in the Prometheus text format.
// A nil g serves prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
