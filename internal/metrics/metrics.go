// Package metrics exposes the agent's Prometheus counters and gauges:
// election outcomes, replica shortfall windows, supplement actions and
// health mismatches. DemoteAttempts and DemoteFallbacks are registered
// and exported, but no caller increments them, so they stay at zero.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this agent exports.
type Registry struct {
	reg *prometheus.Registry

	ElectionsWon        *prometheus.CounterVec
	DemoteAttempts       *prometheus.CounterVec
	DemoteFallbacks      *prometheus.CounterVec
	ReplicaShortfall     *prometheus.GaugeVec
	SupplementRequests   *prometheus.CounterVec
	SupplementFulfilled  *prometheus.CounterVec
	HealthMismatches     *prometheus.CounterVec
}

// New constructs and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ElectionsWon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "elections_won_total",
			Help:      "Number of times this agent won a group's leader race.",
		}, []string{"group"}),
		DemoteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "demote_attempts_total",
			Help:      "Number of demote attempts (rewind or base backup) per group.",
		}, []string{"group", "method"}),
		DemoteFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "demote_fallbacks_total",
			Help:      "Number of times rewind failed to reach streaming and base backup was used instead.",
		}, []string{"group"}),
		ReplicaShortfall: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "falcon_cm",
			Name:      "replica_shortfall",
			Help:      "replica_server_num minus the current streaming replica count, per group.",
		}, []string{"group"}),
		SupplementRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "supplement_requests_total",
			Help:      "need_supplement requests created, per group.",
		}, []string{"group"}),
		SupplementFulfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "supplement_fulfilled_total",
			Help:      "Supplement requests fulfilled from the spare pool, per role.",
		}, []string{"role"}),
		HealthMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "falcon_cm",
			Name:      "health_mismatches_total",
			Help:      "Persistent mismatches found by the health reporter, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.ElectionsWon, r.DemoteAttempts, r.DemoteFallbacks,
		r.ReplicaShortfall, r.SupplementRequests, r.SupplementFulfilled,
		r.HealthMismatches,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
