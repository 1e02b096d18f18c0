// Package metrics exposes Prometheus counters and gauges for the DHCP
// server's internal state: leases issued, pool exhaustion events,
// malformed packets, and the current active lease count. This is an
// ambient observability concern distinct from the out-of-scope
// operator-facing dashboard, which is specified only by the SQL schema it
// reads.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the server's Prometheus collectors.
type Metrics struct {
	LeasesIssued    prometheus.Counter
	OffersSent      prometheus.Counter
	MalformedPacket prometheus.Counter
	PoolExhausted   prometheus.Counter
	StoreErrors     prometheus.Counter
	Dropped         *prometheus.CounterVec
	ActiveLeases    prometheus.Gauge
}

// New constructs a Metrics bundle and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LeasesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "leases_issued_total",
			Help:      "Number of ACKs sent in response to a REQUEST.",
		}),
		OffersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "offers_sent_total",
			Help:      "Number of OFFERs sent in response to a DISCOVER.",
		}),
		MalformedPacket: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "malformed_packets_total",
			Help:      "Number of inbound datagrams dropped for failing to parse.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "pool_exhausted_total",
			Help:      "Number of allocations dropped because the pool had no free address.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "store_errors_total",
			Help:      "Number of lease store operations that returned an I/O error.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpeterd",
			Name:      "dropped_total",
			Help:      "Number of datagrams dropped, labeled by reason.",
		}, []string{"reason"}),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpeterd",
			Name:      "active_leases",
			Help:      "Current number of unexpired lease records.",
		}),
	}

	reg.MustRegister(
		m.LeasesIssued,
		m.OffersSent,
		m.MalformedPacket,
		m.PoolExhausted,
		m.StoreErrors,
		m.Dropped,
		m.ActiveLeases,
	)
	return m
}
