// Package registry maps service names to the endpoints serving them.
package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Discover when a service has no instances.
var ErrNotFound = errors.New("registry: no instances registered")

// ServiceInstance is one endpoint serving a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // for weighted load balancing
	Version string `json:"version,omitempty"`
}

// Registry is a service directory. Implementations are safe for concurrent
// use.
type Registry interface {
	// Register announces inst under service. The entry disappears after
	// ttl unless the implementation keeps it alive.
	Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	// Discover returns the current instances of service, or ErrNotFound.
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list of service whenever it changes.
	// The channel is closed when ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
