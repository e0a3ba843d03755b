// Package metrics exposes Prometheus collectors for the reply pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "difybridge"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Turns               *prometheus.CounterVec
	TurnDuration        *prometheus.HistogramVec
	FirstFragment       prometheus.Histogram
	ContinuationsDone   *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	DecodeFailures      prometheus.Counter
	Pruned              *prometheus.CounterVec
	continuationsActive prometheus.GaugeFunc
}

// New registers all collectors. running reports the number of live
// continuations.
func New(running func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Inbound text turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to produce the synchronous reply.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 4.5, 5},
		}, []string{"outcome"}),
		FirstFragment: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_first_fragment_seconds",
			Help:      "Latency until the backend streamed its first fragment.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ContinuationsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuations_finished_total",
			Help:      "Background continuations by terminal state.",
		}, []string{"state"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Continuation deliveries by outcome (delivered or cached).",
		}, []string{"outcome"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound payloads that could not be parsed.",
		}),
		Pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_pruned_total",
			Help:      "Expired rows removed by the janitor.",
		}, []string{"store"}),
	}
	m.continuationsActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "continuations_running",
		Help:      "Continuations currently running in this process.",
	}, func() float64 {
		if running == nil {
			return 0
		}
		return float64(running())
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Turns, m.TurnDuration, m.FirstFragment, m.ContinuationsDone,
		m.Deliveries, m.DecodeFailures, m.Pruned, m.continuationsActive,
	)
	return m
}

// ObserveTurn records one handled turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
