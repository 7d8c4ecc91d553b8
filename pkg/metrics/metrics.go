// Package metrics exports Prometheus collectors for session lifecycle and
// action outcomes. A Collector is attached to the session manager as a
// browser.StatusObserver and to the executor as a browser.ActionObserver.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/browseract/pkg/browser"
)

const namespace = "browseract"

// ResultOK is the result label of successful actions; failures use their kind.
const ResultOK = "ok"

// Collector holds the browseract metrics registered on one registry.
type Collector struct {
	registry *prometheus.Registry

	sessions       *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	launchFailures prometheus.Counter
	actions        *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	payloadBytes   *prometheus.HistogramVec

	mu     sync.Mutex
	phases map[string]browser.Phase
}

var (
	_ browser.StatusObserver = (*Collector)(nil)
	_ browser.ActionObserver = (*Collector)(nil)
)

// New creates a collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector whose metrics are registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "phase",
				Help:      "Number of sessions currently in each lifecycle phase",
			},
			[]string{"phase"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Total number of session phase transitions",
			},
			[]string{"from", "to"},
		),
		launchFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "launch_failures_total",
				Help:      "Total number of sessions that failed to launch",
			},
		),
		actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "executed_total",
				Help:      "Total number of executed actions by kind and result",
			},
			[]string{"action", "result"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "duration_seconds",
				Help:      "Action execution latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~40s
			},
			[]string{"action"},
		),
		payloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "payload_bytes",
				Help:      "Size of screenshot and PDF payloads in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB to 16MiB
			},
			[]string{"action"},
		),
		phases: make(map[string]browser.Phase),
	}
}

// ObserveTransition implements browser.StatusObserver.
func (c *Collector) ObserveTransition(t browser.Transition) {
	c.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	if t.From == browser.PhaseLaunching && t.To == browser.PhaseError {
		c.launchFailures.Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.phases[t.SessionID]; ok {
		c.sessions.WithLabelValues(string(prev)).Dec()
	}
	// a failed launch never reaches closed, so error ends the session too
	if t.To == browser.PhaseClosed || t.To == browser.PhaseError {
		delete(c.phases, t.SessionID)
		return
	}
	c.phases[t.SessionID] = t.To
	c.sessions.WithLabelValues(string(t.To)).Inc()
}

// ObserveAction implements browser.ActionObserver.
func (c *Collector) ObserveAction(_ string, r browser.ActionResult) {
	action := string(r.Action())
	result := ResultOK
	if !r.OK() {
		result = string(browser.KindOf(r.Err()))
	}
	c.actions.WithLabelValues(action, result).Inc()
	c.latency.WithLabelValues(action).Observe(r.Duration().Seconds())
	if data := r.Bytes(); len(data) > 0 {
		c.payloadBytes.WithLabelValues(action).Observe(float64(len(data)))
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
