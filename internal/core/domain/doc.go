// Package domain defines the core domain models for SnapKeep.
//
// Domain models are pure value objects and entities without any
// IO dependencies or framework coupling. This package contains:
//
//   - SnapshotID and SnapshotState: identity and outcome of a snapshot
//   - Entry: an in-flight snapshot operation tracked in cluster state
//   - OperationKind, EntryState, ShardState: closed enums with explicit
//     transition rules
//   - RepositoryMetadata and OwnershipRecord: repository registration and
//     the ledger-writer record that drives the ownership cooldown
//   - SnapshotStatus: progress view returned to callers
//   - Errors: domain-specific error definitions
package domain
