// Package client provides a discovery-aware invoker: it finds the instances
// of a service in a registry, picks one with a load balancer and forwards
// the call over a pooled connection.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"query-rpc/loadbalance"
	"query-rpc/registry"
	"query-rpc/rpcerr"
	"query-rpc/transport"
)

// Client calls one service. It implements transport.Invoker and is safe
// for concurrent use.
type Client struct {
	service  string
	registry registry.Registry
	balancer loadbalance.Balancer
	pool     *transport.Pool
	log      *zap.Logger

	mu        sync.RWMutex
	instances []registry.ServiceInstance // latest watch result

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

var _ transport.Invoker = (*Client)(nil)

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for service. Connections come from pool, which the
// caller owns and may share between clients. The client follows registry
// changes until Close.
func New(reg registry.Registry, bal loadbalance.Balancer, pool *transport.Pool, service string, opts ...Option) *Client {
	c := &Client{
		service:   service,
		registry:  reg,
		balancer:  bal,
		pool:      pool,
		log:       zap.NewNop(),
		watchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("service", service))

	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	updates := reg.Watch(ctx, service)
	go func() {
		defer close(c.watchDone)
		for insts := range updates {
			c.mu.Lock()
			c.instances = insts
			c.mu.Unlock()
			c.log.Debug("instances changed", zap.Int("count", len(insts)))
		}
	}()
	return c
}

// Call issues a blocking call. The affinity key for the balancer is taken
// from ctx (see loadbalance.WithKey).
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	conn, err := c.conn(ctx, transport.ModeBlocking)
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, args, reply)
}

// Go issues an asynchronous call. Discovery and dialing happen before Go
// returns; failures there resolve the call at once.
func (c *Client) Go(method string, args, reply any, done func(*transport.Call)) *transport.Call {
	return c.GoContext(context.Background(), method, args, reply, done)
}

// GoContext is Go with a context bounding discovery and dialing and
// carrying the affinity key.
func (c *Client) GoContext(ctx context.Context, method string, args, reply any, done func(*transport.Call)) *transport.Call {
	conn, err := c.conn(ctx, transport.ModeAsync)
	if err != nil {
		return transport.Failed(method, transport.ModeAsync, err, done)
	}
	return conn.Go(method, args, reply, done)
}

// conn picks an instance and returns its pooled connection. Unreachable
// instances are skipped in favor of the remaining ones.
func (c *Client) conn(ctx context.Context, mode transport.Mode) (*transport.Conn, error) {
	instances, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	key := loadbalance.KeyFrom(ctx)
	var errs error
	for len(instances) > 0 {
		inst, err := c.balancer.Pick(key, instances)
		if err != nil {
			return nil, err
		}
		conn, err := c.pool.Get(ctx, transport.ConnKey{Addr: inst.Addr, Service: c.service, Mode: mode})
		if err == nil {
			return conn, nil
		}
		var cerr *rpcerr.ConnectError
		if !errors.As(err, &cerr) {
			return nil, err
		}
		c.log.Warn("instance unreachable, trying another", zap.String("addr", inst.Addr), zap.Error(err))
		errs = multierr.Append(errs, err)
		instances = without(instances, inst.Addr)
	}
	return nil, errs
}

func (c *Client) discover(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.RLock()
	instances := c.instances
	c.mu.RUnlock()
	if len(instances) > 0 {
		return instances, nil
	}
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", c.service)
	}
	return instances, nil
}

func without(instances []registry.ServiceInstance, addr string) []registry.ServiceInstance {
	out := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Addr != addr {
			out = append(out, inst)
		}
	}
	return out
}

// Close stops following the registry. The pool stays open.
func (c *Client) Close() error {
	c.stopWatch()
	<-c.watchDone
	return nil
}
