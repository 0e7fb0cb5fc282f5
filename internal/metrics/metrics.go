// Package metrics exposes the broker's Prometheus audit surface:
// admission backpressure, quota violations, heartbeat RPC outcomes, and
// connection lifecycle, generalized from the teacher's metrics.go and
// monitoring/alerting.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the broker registers, so cmd/broker can
// wire it once and pass it down instead of relying on package-level
// globals scattered across every consumer.
type Registry struct {
	reg *prometheus.Registry

	AdmissionWaiters    prometheus.Gauge
	AdmissionInUseBytes prometheus.Gauge
	AdmissionRejected   prometheus.Counter

	QuotaViolationsFirst prometheus.Counter
	QuotaViolationsSleep *prometheus.CounterVec // labeled by client_id

	HeartbeatRPCsSent     *prometheus.CounterVec // labeled by peer_id
	HeartbeatRPCsFailed   *prometheus.CounterVec
	HeartbeatRPCsSkipped  *prometheus.CounterVec

	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	ConnectionsActive prometheus.Gauge
}

// New builds and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		AdmissionWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_admission_waiters",
			Help: "Goroutines currently blocked waiting for admission capacity.",
		}),
		AdmissionInUseBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_admission_in_use_bytes",
			Help: "Estimated in-flight request memory currently admitted.",
		}),
		AdmissionRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_admission_rejected_total",
			Help: "Requests rejected at admission time (e.g. shutdown in progress) and connections refused over the node's resource ceiling.",
		}),

		QuotaViolationsFirst: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_quota_first_violations_total",
			Help: "Informational first-violation events (§4.4), across all client ids.",
		}),
		QuotaViolationsSleep: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_quota_throttled_total",
			Help: "Requests delayed by quota enforcement, by client id.",
		}, []string{"client_id"}),

		HeartbeatRPCsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_heartbeat_rpcs_sent_total",
			Help: "Batched heartbeat RPCs sent, by peer id.",
		}, []string{"peer_id"}),
		HeartbeatRPCsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_heartbeat_rpcs_failed_total",
			Help: "Batched heartbeat RPCs that failed, by peer id.",
		}, []string{"peer_id"}),
		HeartbeatRPCsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_heartbeat_rpcs_skipped_total",
			Help: "Ticks skipped because the peer's previous heartbeat was still outstanding.",
		}, []string{"peer_id"}),

		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_opened_total",
			Help: "Connections accepted.",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_closed_total",
			Help: "Connections closed.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Currently open connections.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
