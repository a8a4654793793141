// Package cmap provides a sharded concurrent map.
//
// Each shard has its own RWMutex, so writers to different keys rarely
// contend. Conditional operations (SetIfAbsent, GetOrCompute, DeleteIf)
// are atomic per shard.
//
//	m := cmap.New[string, []byte]()
//	if !m.SetIfAbsent("key", data) {
//		// someone else won
//	}
package cmap
