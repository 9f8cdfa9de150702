// Package metrics reports runtime metrics using Prometheus primitives.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

const namespace = "switchboard"

// Recorder implements the observer interfaces of the breaker, cache, tracer,
// router and orchestrator packages.
type Recorder struct {
	breakerState    *prometheus.GaugeVec
	breakerRejected *prometheus.CounterVec
	breakerCalls    *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	cacheSize       prometheus.Gauge
	traces          *prometheus.CounterVec
	routes          *prometheus.CounterVec
	subtasks        *prometheus.CounterVec
	subtaskDuration *prometheus.HistogramVec
	requests        *prometheus.CounterVec
}

// NewRegistry returns a registry with the Go and process collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewRecorder registers every switchboard collector on registry.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &Recorder{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state by dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		breakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Calls rejected by an open circuit breaker",
		}, []string{"dependency"}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_calls_total",
			Help:      "Calls made through circuit breakers by outcome",
		}, []string{"dependency", "outcome"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache lookups and evictions by namespace and result",
		}, []string{"namespace", "result"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_fast_tier_entries",
			Help:      "Entries currently held in the in-process cache tier",
		}),
		traces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_total",
			Help:      "Ended traces by status and whether they were persisted",
		}, []string{"status", "persisted"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routing decisions by the stage that produced them",
		}, []string{"source"}),
		subtasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtasks_total",
			Help:      "Executed sub-tasks by capability and outcome",
		}, []string{"capability", "outcome"}),
		subtaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subtask_duration_seconds",
			Help:      "Sub-task execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Orchestrated requests by terminal phase",
		}, []string{"phase"}),
	}

	for _, collector := range []prometheus.Collector{
		r.breakerState, r.breakerRejected, r.breakerCalls, r.cacheOps, r.cacheSize,
		r.traces, r.routes, r.subtasks, r.subtaskDuration, r.requests,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// ObserveBreakerState records a breaker's current state.
func (r *Recorder) ObserveBreakerState(name string, state models.CircuitState) {
	r.breakerState.WithLabelValues(name).Set(stateValue(state))
}

// ObserveBreakerRejected counts a call rejected while open.
func (r *Recorder) ObserveBreakerRejected(name string) {
	r.breakerRejected.WithLabelValues(name).Inc()
}

// ObserveBreakerCall counts a call outcome ("success", "failure", "timeout").
func (r *Recorder) ObserveBreakerCall(name, outcome string) {
	r.breakerCalls.WithLabelValues(name, outcome).Inc()
}

// ObserveCacheHit counts a lookup served by tier ("fast" or "durable").
func (r *Recorder) ObserveCacheHit(ns, tier string) {
	r.cacheOps.WithLabelValues(ns, "hit_"+tier).Inc()
}

// ObserveCacheMiss counts a lookup neither tier could serve.
func (r *Recorder) ObserveCacheMiss(ns string) {
	r.cacheOps.WithLabelValues(ns, "miss").Inc()
}

// ObserveCacheEviction counts a capacity eviction.
func (r *Recorder) ObserveCacheEviction(ns string) {
	r.cacheOps.WithLabelValues(ns, "eviction").Inc()
}

// ObserveCacheSize records the fast-tier entry count.
func (r *Recorder) ObserveCacheSize(n int) {
	r.cacheSize.Set(float64(n))
}

// ObserveTrace counts an ended trace.
func (r *Recorder) ObserveTrace(status models.TraceStatus, persisted bool) {
	p := "false"
	if persisted {
		p = "true"
	}
	r.traces.WithLabelValues(string(status), p).Inc()
}

// ObserveRoute counts a routing decision by source; "none" for empty results.
func (r *Recorder) ObserveRoute(source string) {
	r.routes.WithLabelValues(source).Inc()
}

// ObserveSubTask records one sub-task execution.
func (r *Recorder) ObserveSubTask(capability string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.subtasks.WithLabelValues(capability, outcome).Inc()
	r.subtaskDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// ObserveRequest counts a request reaching a terminal phase.
func (r *Recorder) ObserveRequest(phase string) {
	r.requests.WithLabelValues(phase).Inc()
}

func stateValue(s models.CircuitState) float64 {
	switch s {
	case models.CircuitHalfOpen:
		return 1
	case models.CircuitOpen:
		return 2
	default:
		return 0
	}
}
