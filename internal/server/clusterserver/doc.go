// Package clusterserver replicates SnapKeep cluster state between nodes.
//
// Cluster state (repositories, the snapshot-in-progress tracker, ownership
// records and members) is a deterministic state machine applied from a
// hashicorp/raft log. Around it the package provides:
//
//   - RaftNode and LocalCluster, the two consensus backends
//   - Discovery and Membership, which keep the member list in line with
//     the live nodes
//   - ShardAllocator, consistent-hash placement of shards on members
//   - the Join and SnapshotShard cluster RPCs (Connect with structpb
//     messages) and a Dispatcher routing shard tasks to their owner
package clusterserver
