package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lighthouse-project/lighthouse/internal/registry"
)

// lighthouseCollector implements prometheus.Collector, reading the registry
// on each scrape.
type lighthouseCollector struct {
	srv *Server

	// Occupancy gauges
	serversActive   *prometheus.Desc
	serversCapacity *prometheus.Desc
	gameServers     *prometheus.Desc

	// Registry counters
	registrationsTotal *prometheus.Desc
	evictionsTotal     *prometheus.Desc
	rejectionsTotal    *prometheus.Desc

	// Wire counters
	packetsTotal             *prometheus.Desc
	invalidPacketsTotal      *prometheus.Desc
	challengeMismatchesTotal *prometheus.Desc
	policyRejectionsTotal    *prometheus.Desc
}

func newCollector(srv *Server) *lighthouseCollector {
	return &lighthouseCollector{
		srv: srv,

		serversActive: prometheus.NewDesc(
			"lighthouse_servers_active",
			"Live server records, per address family.",
			[]string{"family"}, nil,
		),
		serversCapacity: prometheus.NewDesc(
			"lighthouse_servers_capacity",
			"Registry slot capacity.",
			nil, nil,
		),
		gameServers: prometheus.NewDesc(
			"lighthouse_game_servers",
			"Live server records, per game.",
			[]string{"game"}, nil,
		),
		registrationsTotal: prometheus.NewDesc(
			"lighthouse_registrations_total",
			"Total new server registrations.",
			nil, nil,
		),
		evictionsTotal: prometheus.NewDesc(
			"lighthouse_evictions_total",
			"Total timed-out records evicted.",
			nil, nil,
		),
		rejectionsTotal: prometheus.NewDesc(
			"lighthouse_rejections_total",
			"Total registrations refused.",
			[]string{"reason"}, nil,
		),
		packetsTotal: prometheus.NewDesc(
			"lighthouse_packets_total",
			"Total datagrams handled.",
			[]string{"type"}, nil,
		),
		invalidPacketsTotal: prometheus.NewDesc(
			"lighthouse_invalid_packets_total",
			"Total datagrams dropped as unparseable.",
			nil, nil,
		),
		challengeMismatchesTotal: prometheus.NewDesc(
			"lighthouse_challenge_mismatches_total",
			"Total infoResponses dropped for a wrong or expired challenge.",
			nil, nil,
		),
		policyRejectionsTotal: prometheus.NewDesc(
			"lighthouse_policy_rejections_total",
			"Total infoResponses dropped by the game policy.",
			nil, nil,
		),
	}
}

func (c *lighthouseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serversActive
	ch <- c.serversCapacity
	ch <- c.gameServers
	ch <- c.registrationsTotal
	ch <- c.evictionsTotal
	ch <- c.rejectionsTotal
	ch <- c.packetsTotal
	ch <- c.invalidPacketsTotal
	ch <- c.challengeMismatchesTotal
	ch <- c.policyRejectionsTotal
}

func (c *lighthouseCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectRegistry(ch, c.srv.registry.Stats())
	c.collectWire(ch)
}

func (c *lighthouseCollector) collectRegistry(ch chan<- prometheus.Metric, stats registry.Stats) {
	ch <- prometheus.MustNewConstMetric(c.serversActive, prometheus.GaugeValue,
		float64(stats.IPv4), "ipv4")
	ch <- prometheus.MustNewConstMetric(c.serversActive, prometheus.GaugeValue,
		float64(stats.IPv6), "ipv6")
	ch <- prometheus.MustNewConstMetric(c.serversCapacity, prometheus.GaugeValue,
		float64(stats.Capacity))

	for game, servers := range stats.PerGame {
		ch <- prometheus.MustNewConstMetric(c.gameServers, prometheus.GaugeValue,
			float64(servers), game)
	}

	ch <- prometheus.MustNewConstMetric(c.registrationsTotal, prometheus.CounterValue,
		float64(stats.Counters.Registrations))
	ch <- prometheus.MustNewConstMetric(c.evictionsTotal, prometheus.CounterValue,
		float64(stats.Counters.Evictions))
	ch <- prometheus.MustNewConstMetric(c.rejectionsTotal, prometheus.CounterValue,
		float64(stats.Counters.QuotaRejections), "quota")
	ch <- prometheus.MustNewConstMetric(c.rejectionsTotal, prometheus.CounterValue,
		float64(stats.Counters.FullRejections), "full")
	ch <- prometheus.MustNewConstMetric(c.rejectionsTotal, prometheus.CounterValue,
		float64(stats.Counters.LoopbackRejections), "loopback")
}

func (c *lighthouseCollector) collectWire(ch chan<- prometheus.Metric) {
	wire := c.srv.mst.CounterValues()

	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(wire.Heartbeats), "heartbeat")
	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(wire.InfoResponses), "info_response")
	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(wire.Queries), "query")
	ch <- prometheus.MustNewConstMetric(c.invalidPacketsTotal, prometheus.CounterValue,
		float64(wire.InvalidPackets))
	ch <- prometheus.MustNewConstMetric(c.challengeMismatchesTotal, prometheus.CounterValue,
		float64(wire.ChallengeMismatches))
	ch <- prometheus.MustNewConstMetric(c.policyRejectionsTotal, prometheus.CounterValue,
		float64(wire.PolicyRejections))
}
