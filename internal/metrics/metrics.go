// Package metrics wires Prometheus observability around the coordinator,
// purely additive to spec.md (the spec's Non-goals exclude consensus and
// durable state, not observability) and grounded on the teacher pack's
// use of prometheus/client_golang for operational gauges and counters
// (see other_examples' HA-manager metrics server for the registration
// and /metrics-handler pattern).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusValue maps a VPN status string onto a small ordinal so it can be
// represented as a gauge; purely for dashboards, the state store remains
// the source of truth.
var statusValue = map[string]float64{
	"Online":  4,
	"Replica": 3,
	"Pending": 2,
	"Failed":  1,
	"Offline": 0,
}

// siteStatusValue is the analogous ordinal for state.SiteStatus, which has
// its own value set (no Replica/Failed, but Admin_offline).
var siteStatusValue = map[string]float64{
	"Online":        3,
	"Pending":       2,
	"Admin_offline": 1,
	"Offline":       0,
}

// Metrics holds every counter/gauge the coordinator updates. None of this
// feeds back into control decisions — it is strictly observational.
type Metrics struct {
	registry *prometheus.Registry

	vpnStatus     *prometheus.GaugeVec
	siteStatus    *prometheus.GaugeVec
	pushFailures  *prometheus.CounterVec
	pullFailures  *prometheus.CounterVec
	tasksInFlight prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		vpnStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpn_coordinator",
			Name:      "vpn_status",
			Help:      "Current status of a VPN record, as an ordinal (Offline=0..Online=4).",
		}, []string{"site_id", "vpn_name"}),
		siteStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpn_coordinator",
			Name:      "site_status",
			Help:      "Current status of a site record, as an ordinal (Offline=0..Online=3).",
		}, []string{"site_id"}),
		pushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpn_coordinator",
			Name:      "push_state_failures_total",
			Help:      "Count of push_state calls that failed to reach a peer.",
		}, []string{"site_id"}),
		pullFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpn_coordinator",
			Name:      "pull_state_failures_total",
			Help:      "Count of pull_state calls that exhausted retries against a peer.",
		}, []string{"site_id"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vpn_coordinator",
			Name:      "tasks_in_flight",
			Help:      "Number of supervised tasks currently running.",
		}),
	}

	reg.MustRegister(m.vpnStatus, m.siteStatus, m.pushFailures, m.pullFailures, m.tasksInFlight)
	return m
}

func (m *Metrics) SetVPNStatus(siteID, vpnName, status string) {
	m.vpnStatus.WithLabelValues(siteID, vpnName).Set(statusValue[status])
}

func (m *Metrics) SetSiteStatus(siteID, status string) {
	m.siteStatus.WithLabelValues(siteID).Set(siteStatusValue[status])
}

func (m *Metrics) IncPushFailure(siteID string) {
	m.pushFailures.WithLabelValues(siteID).Inc()
}

func (m *Metrics) IncPullFailure(siteID string) {
	m.pullFailures.WithLabelValues(siteID).Inc()
}

func (m *Metrics) SetTasksInFlight(n int) {
	m.tasksInFlight.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
