package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrPoolClosed is returned by Pool.Get after CloseAll.
var ErrPoolClosed = errors.New("transport: pool closed")

// Mode is the invocation mode a pooled connection is reserved for.
type Mode int8

const (
	ModeBlocking Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeBlocking:
		return "blocking"
	case ModeAsync:
		return "async"
	}
	return fmt.Sprintf("mode(%d)", int8(m))
}

// ConnKey identifies a pooled connection. Two keys that differ only in
// Service or Mode share nothing.
type ConnKey struct {
	Addr    string
	Service string
	Mode    Mode
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s@%s/%s", k.Service, k.Addr, k.Mode)
}

// NormalizeAddr canonicalizes a host:port destination so equivalent
// spellings map to the same pool entry.
func NormalizeAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", errors.Wrapf(err, "invalid address %q", addr)
	}
	if port == "" {
		return "", errors.Errorf("invalid address %q: missing port", addr)
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(strings.ToLower(host), port), nil
}

// Pool shares connections among callers. For each key it keeps at most one
// live connection and dials at most once at a time, no matter how many
// callers ask concurrently. Dead connections are evicted and replaced on
// the next Get.
type Pool struct {
	opts Options

	mu     sync.Mutex
	conns  map[ConnKey]*Conn
	closed bool

	dialing singleflight.Group
}

// NewPool returns an empty pool creating connections with opts.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:  opts.withDefaults(),
		conns: make(map[ConnKey]*Conn),
	}
}

// Get returns the live connection for key, dialing it if needed.
func (p *Pool) Get(ctx context.Context, key ConnKey) (*Conn, error) {
	addr, err := NormalizeAddr(key.Addr)
	if err != nil {
		return nil, err
	}
	key.Addr = addr

	if c, ok, err := p.lookup(key); ok || err != nil {
		return c, err
	}
	v, err, _ := p.dialing.Do(key.String(), func() (any, error) {
		// another flight may have finished between lookup and Do
		if c, ok, err := p.lookup(key); ok || err != nil {
			return c, err
		}
		c, err := dial(ctx, key, p.opts, p.evict)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.Close()
			return nil, ErrPoolClosed
		}
		p.conns[key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (p *Pool) lookup(key ConnKey) (*Conn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	c, ok := p.conns[key]
	if !ok {
		return nil, false, nil
	}
	if c.Closed() {
		delete(p.conns, key)
		return nil, false, nil
	}
	return c, true, nil
}

// evict drops c from the pool once it dies.
func (p *Pool) evict(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.key] == c {
		delete(p.conns, c.key)
		p.opts.Logger.Debug("evicted dead connection", zap.Stringer("key", c.key), zap.String("conn", c.id))
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// CloseAll closes every pooled connection and rejects further Gets.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[ConnKey]*Conn)
	p.mu.Unlock()

	var err error
	for key, c := range conns {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "close %s", key))
		}
	}
	return err
}
