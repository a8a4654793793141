package clusterserver

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// DefaultVirtualNodeCount is the number of ring positions per member.
const DefaultVirtualNodeCount = 256

// ShardAllocator places shards on members with consistent hashing, so a
// membership change moves only the shards of the joining or leaving node.
type ShardAllocator struct {
	vnodes int

	mu      sync.Mutex
	members string // joined member ids the ring was built for
	ring    []ringPoint
}

type ringPoint struct {
	hash   uint64
	nodeID string
}

// NewShardAllocator creates an allocator. vnodes <= 0 selects the default.
func NewShardAllocator(vnodes int) *ShardAllocator {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodeCount
	}
	return &ShardAllocator{vnodes: vnodes}
}

// Owner returns the member holding key, or false when members is empty.
func (a *ShardAllocator) Owner(key domain.ShardKey, members []string) (string, bool) {
	if len(members) == 0 {
		return "", false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebuild(members)

	h := murmur3.Sum64([]byte(key.Index + "/" + strconv.Itoa(key.Shard)))
	idx := sort.Search(len(a.ring), func(i int) bool {
		return a.ring[i].hash >= h
	})
	if idx == len(a.ring) {
		idx = 0
	}
	return a.ring[idx].nodeID, true
}

// rebuild recomputes the ring when the member set changed.
func (a *ShardAllocator) rebuild(members []string) {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	sig := strings.Join(sorted, ",")
	if sig == a.members {
		return
	}

	ring := make([]ringPoint, 0, len(sorted)*a.vnodes)
	for _, id := range sorted {
		for i := 0; i < a.vnodes; i++ {
			ring = append(ring, ringPoint{hash: hashVirtualNode(id, i), nodeID: id})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].nodeID < ring[j].nodeID
		}
		return ring[i].hash < ring[j].hash
	})
	a.members = sig
	a.ring = ring
}

func hashVirtualNode(nodeID string, virtualIndex int) uint64 {
	h := murmur3.New64()
	h.Write([]byte(nodeID))

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(virtualIndex))
	h.Write(idx[:])
	return h.Sum64()
}
