// Package metrics holds the Prometheus registry and the named series the
// daemon exposes for its operator, distinct from the captive-portal
// protocol itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every series the daemon publishes under /metrics.
type Metrics struct {
	ClientsTotal            *prometheus.GaugeVec
	AuthRequestsTotal       *prometheus.CounterVec
	AuthFailoverTotal       prometheus.Counter
	TickDuration            prometheus.Summary
	FirewallCommandDuration *prometheus.SummaryVec
}

// New constructs and registers every series against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gwd_clients_total",
			Help: "Number of sessions currently tracked, by firewall mark.",
		}, []string{"state"}),
		AuthRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwd_auth_requests_total",
			Help: "Auth-server requests issued, by stage and resulting verdict.",
		}, []string{"stage", "verdict"}),
		AuthFailoverTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gwd_auth_failover_total",
			Help: "Number of times an auth-server attempt failed over to the next server in the list.",
		}),
		TickDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: "gwd_tick_duration_seconds",
			Help: "Wall-clock duration of the counter-sync-and-decide tick.",
		}),
		FirewallCommandDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "gwd_firewall_command_duration_seconds",
			Help: "Duration of firewall backend operations, by operation name.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.ClientsTotal,
		m.AuthRequestsTotal,
		m.AuthFailoverTotal,
		m.TickDuration,
		m.FirewallCommandDuration,
	)
	return m
}

// SetClientCounts replaces the per-state gauge values wholesale, the
// simplest way to keep a gauge vec consistent with a point-in-time
// CountByMark() snapshot.
func (m *Metrics) SetClientCounts(counts map[string]int) {
	for _, state := range []string{"UNKNOWN", "PROBATION", "KNOWN", "LOCKED"} {
		m.ClientsTotal.WithLabelValues(state).Set(float64(counts[state]))
	}
}
