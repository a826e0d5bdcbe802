package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StaticRegistry is an in-process Registry. It serves fixed endpoint lists
// from configuration and stands in for etcd in tests. Entries never expire.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

// NewStaticRegistry returns a registry preloaded with service → addresses.
func NewStaticRegistry(static map[string][]string) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	for svc, addrs := range static {
		for _, addr := range addrs {
			r.put(svc, ServiceInstance{Addr: addr})
		}
	}
	return r
}

func (r *StaticRegistry) put(service string, inst ServiceInstance) {
	if r.services[service] == nil {
		r.services[service] = make(map[string]ServiceInstance)
	}
	r.services[service][inst.Addr] = inst
}

func (r *StaticRegistry) Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(service, inst)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.list(service)
	if len(insts) == 0 {
		return nil, ErrNotFound
	}
	return insts, nil
}

// list returns the instances sorted by address. Callers hold r.mu.
func (r *StaticRegistry) list(service string) []ServiceInstance {
	insts := make([]ServiceInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Addr < insts[j].Addr })
	return insts
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify hands every watcher the latest list, replacing one it has not
// consumed yet. Callers hold r.mu.
func (r *StaticRegistry) notify(service string) {
	insts := r.list(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- insts
	}
}

func (r *StaticRegistry) Close() error { return nil }
