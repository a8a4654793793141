package metric

import "github.com/prometheus/client_golang/prometheus"

// ClusterStats is a point-in-time view of replicated cluster state.
type ClusterStats struct {
	Members      int
	IsLeader     bool
	Repositories int
	// EntriesByState counts tracker entries keyed by entry state.
	EntriesByState map[string]int
}

// Collector exports cluster-state gauges computed at scrape time.
type Collector struct {
	stats func() ClusterStats

	members      *prometheus.Desc
	leader       *prometheus.Desc
	repositories *prometheus.Desc
	entries      *prometheus.Desc
}

// NewCollector creates a collector that calls stats on every scrape.
func NewCollector(stats func() ClusterStats) *Collector {
	return &Collector{
		stats: stats,
		members: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "members"),
			"Members in the replicated cluster state.", nil, nil),
		leader: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "is_leader"),
			"1 if this node is the cluster leader.", nil, nil),
		repositories: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "repositories"),
			"Registered snapshot repositories.", nil, nil),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tracker", "entries"),
			"Snapshot-in-progress entries by state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.members
	ch <- c.leader
	ch <- c.repositories
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	leader := 0.0
	if s.IsLeader {
		leader = 1
	}
	ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(s.Members))
	ch <- prometheus.MustNewConstMetric(c.leader, prometheus.GaugeValue, leader)
	ch <- prometheus.MustNewConstMetric(c.repositories, prometheus.GaugeValue, float64(s.Repositories))
	for state, n := range s.EntriesByState {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(n), state)
	}
}
