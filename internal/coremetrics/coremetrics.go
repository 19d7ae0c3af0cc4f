// Package coremetrics exposes the process-wide Prometheus counters and
// gauges the core's scenarios name explicitly (spec.md §8 scenario 6's
// "metrics increment unknown_answer_count" assertion), plus the
// connection-table gauges useful for operating a live node. The teacher
// carries no metrics layer at all; this is net-new ambient
// instrumentation built the way the rest of the pack's services expose
// Prometheus metrics.
package coremetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a registered set of counters/gauges for one core instance.
// Multiple attachments in the same process each get their own registry
// so tests can create independent instances without collector
// collisions.
type Metrics struct {
	Registry *prometheus.Registry

	UnknownAnswerCount prometheus.Counter
	RPCTimeoutsTotal   prometheus.Counter
	RPCInflight        prometheus.Gauge
	RateLimitedTotal   prometheus.Counter
	RPCQueueDepth      prometheus.Gauge
	RPCRefusedTotal    prometheus.Counter

	ConnectionsTotal  prometheus.Gauge
	RoutingTableSize  prometheus.Gauge
	RoutesActive      prometheus.Gauge
	ReceiptsClaimed   prometheus.Counter
}

// New creates and registers a fresh metrics set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		UnknownAnswerCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilnet_unknown_answer_count",
			Help: "Answers received for an opID with no pending Question.",
		}),
		RPCTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilnet_rpc_timeouts_total",
			Help: "Pending Questions that expired before an Answer arrived.",
		}),
		RPCInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veilnet_rpc_inflight",
			Help: "Currently in-flight RPC questions.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilnet_rate_limited_total",
			Help: "Inbound connections/frames dropped by a rate-limit cap.",
		}),
		RPCQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veilnet_rpc_queue_depth",
			Help: "Questions waiting for a concurrency slot.",
		}),
		RPCRefusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilnet_rpc_refused_total",
			Help: "Questions refused with TryAgain because the queue was full.",
		}),
		ConnectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veilnet_connections_total",
			Help: "Distinct peers learned from inbound sender identities; never decremented.",
		}),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veilnet_routing_table_size",
			Help: "Entries currently held in the Routing Table.",
		}),
		RoutesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veilnet_routes_active",
			Help: "Private/safety routes currently allocated.",
		}),
		ReceiptsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilnet_receipts_claimed_total",
			Help: "ReturnReceipt tokens successfully claimed (first-seen).",
		}),
	}
	reg.MustRegister(
		m.UnknownAnswerCount,
		m.RPCTimeoutsTotal,
		m.RPCInflight,
		m.RateLimitedTotal,
		m.RPCQueueDepth,
		m.RPCRefusedTotal,
		m.ConnectionsTotal,
		m.RoutingTableSize,
		m.RoutesActive,
		m.ReceiptsClaimed,
	)
	return m
}
