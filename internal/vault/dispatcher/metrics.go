package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "spatialvault_worker"

// Collector is a prometheus.Collector for the dispatchers of one process.
// A nil *Collector records nothing.
type Collector struct {
	claimed  prometheus.Counter
	finished *prometheus.CounterVec
	panics   prometheus.Counter
	reaped   prometheus.Counter
	running  prometheus.Gauge
	duration *prometheus.HistogramVec
}

func NewMetricsCollector() *Collector {
	return &Collector{
		claimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_claimed_total",
				Help:      "The number of jobs claimed by this process.",
			},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_finished_total",
				Help:      "The number of jobs finished, by process and outcome.",
			}, []string{"process_id", "status"},
		),
		panics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_panics_total",
				Help:      "The number of job handlers that panicked.",
			},
		),
		reaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_reaped_total",
				Help:      "The number of stale jobs failed after exhausting their attempts.",
			},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_running",
				Help:      "The number of jobs currently executing.",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "job_duration_seconds",
				Help:      "Time spent executing a job attempt.",
				Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
			}, []string{"process_id"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.claimed.Describe(ch)
	c.finished.Describe(ch)
	c.panics.Describe(ch)
	c.reaped.Describe(ch)
	c.running.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.claimed.Collect(ch)
	c.finished.Collect(ch)
	c.panics.Collect(ch)
	c.reaped.Collect(ch)
	c.running.Collect(ch)
	c.duration.Collect(ch)
}

func (c *Collector) jobClaimed() {
	if c != nil {
		c.claimed.Inc()
		c.running.Inc()
	}
}

func (c *Collector) jobDone(processID, status string, seconds float64) {
	if c != nil {
		c.running.Dec()
		c.finished.WithLabelValues(processID, status).Inc()
		c.duration.WithLabelValues(processID).Observe(seconds)
	}
}

func (c *Collector) jobPanicked() {
	if c != nil {
		c.panics.Inc()
	}
}

func (c *Collector) jobsReaped(n int) {
	if c != nil && n > 0 {
		c.reaped.Add(float64(n))
	}
}
