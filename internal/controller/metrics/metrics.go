// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_agent_heartbeats_total",
		Help: "Agent heartbeats received.",
	})
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_agent_auth_failures_total",
		Help: "Agent requests rejected for bad or disabled tokens.",
	})
	SessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_discovery_sessions_started_total",
		Help: "Discovery sessions started, by source.",
	}, []string{"source"})
	SessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_discovery_sessions_finished_total",
		Help: "Discovery sessions reaching a terminal state, by status.",
	}, []string{"status"})
	DevicesReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_devices_reconciled_total",
		Help: "Devices folded into the inventory, by outcome.",
	}, []string{"outcome"})
	WorkDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_work_dispatched_total",
		Help: "Work items handed to agents, by type.",
	}, []string{"type"})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
