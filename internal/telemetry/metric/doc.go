// Package metric provides Prometheus metrics for SnapKeep.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry, metric families and the /metrics handler
//   - collector.go: scrape-time collector over replicated cluster state
//
// Metrics include ledger commits and conflicts, cooldown waits, snapshot
// operation outcomes, shard results and blob store traffic.
package metric
