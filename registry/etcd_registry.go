package registry

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// KeyPrefix is the etcd namespace of all registrations:
//
//	Key:   /query-rpc/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
const KeyPrefix = "/query-rpc/"

// EtcdRegistry implements Registry on etcd v3.
//
// Registrations are bound to TTL leases kept alive in the background, so
// the entries of a crashed server expire on their own.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger

	// keepalives outlive the context passed to Register
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func instanceKey(service, addr string) string {
	return path.Join(KeyPrefix, service, addr)
}

func servicePrefix(service string) string {
	return path.Join(KeyPrefix, service) + "/"
}

// Register stores inst under a fresh lease of ttl (rounded up to whole
// seconds) and keeps the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := r.client.Grant(ctx, secs)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "marshal instance")
	}
	key := instanceKey(service, inst.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		_, _ = r.client.Revoke(ctx, old)
	}

	// the channel must be drained or the client logs warnings about it
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive ended", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))
	}()
	r.log.Info("registered", zap.String("key", key), zap.Int64("ttl_seconds", secs))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := instanceKey(service, addr)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	if ok {
		_, rerr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, rerr)
	}
	return errors.Wrapf(err, "deregister %s", key)
}

// Discover returns every registered instance of service. Malformed entries
// are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return instances, nil
}

// Watch re-reads the instance list on every change under the service
// prefix. Only the newest list is kept for a slow consumer.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.log.Warn("watch failed", zap.String("service", service), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, service)
			if err != nil && !errors.Is(err, ErrNotFound) {
				r.log.Warn("refresh after watch event failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes all leases held by this registry and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var err error
	for key, lease := range leases {
		if _, rerr := r.client.Revoke(ctx, lease); rerr != nil {
			err = multierr.Append(err, errors.Wrapf(rerr, "revoke lease of %s", key))
		}
	}
	r.cancel()
	return multierr.Append(err, r.client.Close())
}
