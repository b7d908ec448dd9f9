package loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of a pipeline.
type Metrics struct {
	Loaded    prometheus.Gauge
	Awaiting  prometheus.Gauge
	Failed    prometheus.Gauge
	InFlight  prometheus.Gauge
	Points    prometheus.Gauge
	Requests  prometheus.Counter
	Discarded prometheus.Counter
	Failures  prometheus.Counter
	Retries   prometheus.Counter
	CacheHits prometheus.Counter
	Latency   prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starfield_octants_loaded",
			Help: "Octants whose payload is attached to the renderer",
		}),
		Awaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starfield_octants_awaiting",
			Help: "Octants spawned as placeholders and waiting for their payload",
		}),
		Failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starfield_octants_failed",
			Help: "Octants in the working set whose payload could not be loaded",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starfield_requests_in_flight",
			Help: "Load requests sent to workers whose result has not been drained",
		}),
		Points: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starfield_points_loaded",
			Help: "Stars owned by loaded octants",
		}),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starfield_requests_total",
			Help: "Load requests sent to workers",
		}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starfield_results_discarded_total",
			Help: "Results dropped because their octant left the working set first",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starfield_load_failures_total",
			Help: "Octants given up on after exhausting their retries",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starfield_load_retries_total",
			Help: "Failed loads that were requested again",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starfield_payload_cache_hits_total",
			Help: "Payloads served from the decoded payload cache",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "starfield_load_duration_seconds",
			Help:    "Time spent by a worker opening and decoding one payload",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Loaded, m.Awaiting, m.Failed, m.InFlight, m.Points,
			m.Requests, m.Discarded, m.Failures, m.Retries, m.CacheHits,
			m.Latency,
		)
	}
	return m
}
