// Package metrics exposes the prometheus gauges/counters/histograms
// the monitor and the keeper update as they run: FSM transitions, the
// assignment engine's decision latency, and supervisor restarts.
//
// Grounded on the pack's own metrics wiring (internal/grpc/server_lifecycle.go):
// a dedicated prometheus.Registry (never the global DefaultRegisterer,
// so a monitor and a keeper sharing a process never collide) seeded
// with the standard Go/process collectors and served over promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this module registers, plus the
// standard runtime collectors, behind one http.Handler.
type Registry struct {
	reg *prometheus.Registry

	FSMTransitions      *prometheus.CounterVec
	FSMTransitionErrors *prometheus.CounterVec
	AssignmentDecisions *prometheus.CounterVec
	AssignmentLatency   prometheus.Histogram
	NodeActiveRounds    *prometheus.CounterVec
	NodeActiveLatency   prometheus.Histogram
	SupervisorRestarts  *prometheus.CounterVec
	RaftCommits         prometheus.Counter
	HealthProbeFailures *prometheus.CounterVec
}

// New builds a Registry with every metric registered, ready to be
// mounted with Handler.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,
		FSMTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "fsm",
			Name:      "transitions_total",
			Help:      "Local FSM transitions dispatched, by current and assigned state.",
		}, []string{"current", "assigned"}),
		FSMTransitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "fsm",
			Name:      "transition_errors_total",
			Help:      "Local FSM transitions that returned an error, by current and assigned state.",
		}, []string{"current", "assigned"}),
		AssignmentDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "monitor",
			Name:      "assignment_decisions_total",
			Help:      "Goal-state decisions written by the assignment engine, by reason.",
		}, []string{"reason"}),
		AssignmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgautofailover",
			Subsystem: "monitor",
			Name:      "assignment_evaluate_seconds",
			Help:      "Wall-clock time spent in one AssignmentEngine.Evaluate call.",
			Buckets:   prometheus.DefBuckets,
		}),
		NodeActiveRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "keeper",
			Name:      "node_active_rounds_total",
			Help:      "node-active loop round-trips, by outcome (ok, monitor_error, dispatch_error).",
		}, []string{"outcome"}),
		NodeActiveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgautofailover",
			Subsystem: "keeper",
			Name:      "node_active_round_seconds",
			Help:      "Wall-clock time spent in one node-active round-trip.",
			Buckets:   prometheus.DefBuckets,
		}),
		SupervisorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "supervisor",
			Name:      "service_restarts_total",
			Help:      "Supervised service restarts, by service name.",
		}, []string{"service"}),
		RaftCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "monitor",
			Name:      "raft_commits_total",
			Help:      "Raft log entries applied by this monitor replica's FSM.",
		}),
		HealthProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Subsystem: "monitor",
			Name:      "health_probe_failures_total",
			Help:      "Failed TCP health probes, by node name.",
		}, []string{"node"}),
	}

	reg.MustRegister(
		r.FSMTransitions,
		r.FSMTransitionErrors,
		r.AssignmentDecisions,
		r.AssignmentLatency,
		r.NodeActiveRounds,
		r.NodeActiveLatency,
		r.SupervisorRestarts,
		r.RaftCommits,
		r.HealthProbeFailures,
	)
	return r
}

// Handler serves the registry's metrics in the Prometheus exposition
// format, mounted by cmd/pgautoctl under /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
