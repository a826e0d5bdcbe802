package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"query-rpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the instance set
// changes, and then only keys of the changed instances move.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without them a handful of instances might cluster together on the ring
// and split the load unevenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Pick takes the instance list on every call; the ring is rebuilt only when
// that list differs from the one it was built from.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	built string   // signature of the instance set the ring reflects
	ring  []uint32 // sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: DefaultReplicas}
}

// Pick returns the instance owning key. An empty key hashes like any other
// string, so keyless callers all land on the same instance.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.built {
		b.rebuild(instances)
		b.built = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	// first node clockwise from the key, wrapping to the start of the ring
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	// sorted so hash collisions resolve the same way for any input order
	instances = append([]registry.ServiceInstance(nil), instances...)
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
