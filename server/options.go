package server

import (
	"time"

	"go.uber.org/zap"

	"query-rpc/codec"
	"query-rpc/middleware"
	"query-rpc/protocol"
	"query-rpc/registry"
)

// DefaultWorkers bounds concurrently running handlers.
const DefaultWorkers = 256

type options struct {
	log          *zap.Logger
	codec        codec.Codec
	workers      int
	maxFrameSize uint32
	idleTimeout  time.Duration
	middlewares  []middleware.Middleware

	registry  registry.Registry
	advertise string
	ttl       time.Duration
}

type Option func(*options)

func defaultOptions() options {
	return options{
		log:          zap.NewNop(),
		codec:        codec.JSONCodec{},
		workers:      DefaultWorkers,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		ttl:          10 * time.Second,
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithWorkers sets the size of the handler pool. Requests beyond it wait
// for a free worker, which stalls reading from their connection.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithIdleTimeout closes connections that send nothing, not even a
// heartbeat, for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithMiddleware appends middlewares, applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithRegistry announces the server under advertise (or the listener
// address when empty) once it serves, and withdraws it on Shutdown.
func WithRegistry(reg registry.Registry, advertise string, ttl time.Duration) Option {
	return func(o *options) {
		o.registry = reg
		o.advertise = advertise
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}
