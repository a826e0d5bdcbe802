// Package loadbalance provides load balancing strategies for distributing
// calls across the instances of a service.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  callers needing affinity, e.g. a worker that must
//     keep heartbeating the same tracker replica
package loadbalance

import (
	"context"

	"github.com/pkg/errors"

	"query-rpc/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects the instance a call goes to.
type Balancer interface {
	// Pick selects one of instances. key is the caller's affinity key and
	// may be empty; only key-based strategies look at it.
	// Called on every call, so it must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name: "round_robin", "weighted_random"
// or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}

type keyCtx struct{}

// WithKey attaches an affinity key to ctx.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

// KeyFrom returns the affinity key attached to ctx, if any.
func KeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(keyCtx{}).(string)
	return key
}
