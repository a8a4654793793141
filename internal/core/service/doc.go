// Package service implements snapshot orchestration for SnapKeep.
//
// This package contains:
//
//   - Coordinator: accepts create, delete and clone requests, registers them
//     in the replicated tracker and drives them to a committed ledger
//     generation while it leads the cluster
//   - RepositoryService: repository registration and lookup
//
// The coordinator never mutates cluster state directly. Every transition is
// proposed through the Cluster and only takes effect once the consensus layer
// applies it. Work is re-derived from replicated state on every pass, so a
// newly elected leader picks up whatever its predecessor left behind.
package service
