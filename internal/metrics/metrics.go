// Package metrics exposes the mesh's running state as Prometheus
// collectors: node counts by variant, the local route database version,
// and per-peer liveness age. The run loop updates these on every tick;
// internal/control serves the registry over /metrics.
//
// Grounded on the MetricsRegistry/newMetrics pattern in the liveness
// manager of the doublezero client (other_examples): a Metrics struct
// owning its own collectors, registered against either the caller's
// *prometheus.Registry or prometheus.DefaultRegisterer when none is given.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector this process exposes.
type Metrics struct {
	NodesByVariant   *prometheus.GaugeVec
	RouteDBVersion   prometheus.Gauge
	RouteCount       prometheus.Gauge
	PeerLastSeenAge  *prometheus.GaugeVec
	PacketsDropped   *prometheus.CounterVec
	AdvertisementsTX prometheus.Counter
}

// New constructs an unregistered Metrics. Call Register to attach it to a
// registry.
func New() *Metrics {
	return &Metrics{
		NodesByVariant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wgmeshd",
			Name:      "nodes",
			Help:      "Number of known nodes by variant (static, dynamic, distant).",
		}, []string{"variant"}),
		RouteDBVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgmeshd",
			Name:      "routedb_version",
			Help:      "Current version of the local route database.",
		}),
		RouteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgmeshd",
			Name:      "routes",
			Help:      "Number of entries currently in the local route database.",
		}),
		PeerLastSeenAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wgmeshd",
			Name:      "peer_lastseen_age_seconds",
			Help:      "Seconds since the last valid advertisement from a dynamic peer.",
		}, []string{"wg_ip"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wgmeshd",
			Name:      "packets_dropped_total",
			Help:      "Control packets dropped, by reason.",
		}, []string{"reason"}),
		AdvertisementsTX: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wgmeshd",
			Name:      "advertisements_sent_total",
			Help:      "Total Advertisement packets sent.",
		}),
	}
}

// Register attaches every collector to reg, or to
// prometheus.DefaultRegisterer when reg is nil.
func (m *Metrics) Register(reg *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.NodesByVariant,
		m.RouteDBVersion,
		m.RouteCount,
		m.PeerLastSeenAge,
		m.PacketsDropped,
		m.AdvertisementsTX,
	}
	if reg == nil {
		for _, c := range collectors {
			prometheus.DefaultRegisterer.MustRegister(c)
		}
		return
	}
	for _, c := range collectors {
		reg.MustRegister(c)
	}
}
