// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "validator"

// Collector holds every pipeline metric. A nil *Collector is valid and records nothing.
type Collector struct {
	ticks            *prometheus.CounterVec
	jobsClaimed      prometheus.Counter
	jobsDeferred     prometheus.Counter
	claimsLost       prometheus.Counter
	outcomes         *prometheus.CounterVec
	failures         *prometheus.CounterVec
	downloadAttempts *prometheus.CounterVec
	extractDuration  prometheus.Histogram
	enqueued         prometheus.Counter
	healthy          prometheus.Gauge
	purged           *prometheus.CounterVec
}

// NewCollector builds the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduling ticks by outcome (ran, skipped, fatal).",
		}, []string{"outcome"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved from queued to running.",
		}),
		jobsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deferred_total",
			Help:      "Jobs left queued because their subject had another active job.",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claim_lost_total",
			Help:      "Claims that affected no rows because another claimer won.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Finished attempts by resulting job status (ok, queued, error).",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed attempts by error kind.",
		}, []string{"kind"}),
		downloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Object store download attempts by result.",
		}, []string{"result"}),
		extractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Wall time of the text extraction subprocess.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by enqueue.",
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 when the last health check passed, 0 otherwise.",
		}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_purged_total",
			Help:      "Items removed by housekeeping by target.",
		}, []string{"target"}),
	}
	reg.MustRegister(
		c.ticks, c.jobsClaimed, c.jobsDeferred, c.claimsLost, c.outcomes, c.failures,
		c.downloadAttempts, c.extractDuration, c.enqueued, c.healthy, c.purged,
	)
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) RecordTick(outcome string) {
	if c == nil {
		return
	}
	c.ticks.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

func (c *Collector) RecordDeferred() {
	if c == nil {
		return
	}
	c.jobsDeferred.Inc()
}

func (c *Collector) RecordClaimLost() {
	if c == nil {
		return
	}
	c.claimsLost.Inc()
}

// RecordOutcome counts a finished attempt; kind is empty on success.
func (c *Collector) RecordOutcome(status, kind string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(status).Inc()
	if kind != "" {
		c.failures.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) RecordDownloadAttempt(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.downloadAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveExtraction(d time.Duration) {
	if c == nil {
		return
	}
	c.extractDuration.Observe(d.Seconds())
}

func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.enqueued.Inc()
}

func (c *Collector) SetHealthy(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.healthy.Set(1)
	} else {
		c.healthy.Set(0)
	}
}

func (c *Collector) RecordPurged(target string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.purged.WithLabelValues(target).Add(float64(n))
}
