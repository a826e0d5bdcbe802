package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"query-rpc/codec"
	"query-rpc/protocol"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultConnectRetries    = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
	DefaultDialTimeout       = 5 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// DialFunc opens the byte stream for a connection. It matches
// (*net.Dialer).DialContext so tests can substitute an in-memory pipe.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configure connections created by Dial, NewConn and Pool.
// The zero value is usable; unset fields take the defaults above.
type Options struct {
	// Codec serializes call arguments and decodes replies. Defaults to JSON.
	Codec codec.Codec

	// ConnectRetries is the number of dial attempts after the first before
	// Dial gives up with a *rpcerr.ConnectError. Negative disables retries.
	// Retry i (1-based) is preceded by a sleep of RetryBackoff * 2^(i-1).
	ConnectRetries int
	RetryBackoff   time.Duration
	DialTimeout    time.Duration

	// CallTimeout bounds Conn.Call when the context carries no deadline.
	// Negative means wait forever.
	CallTimeout time.Duration

	// MaxFrameSize bounds frames in both directions.
	MaxFrameSize uint32

	// HeartbeatInterval is the keepalive period. Negative disables it.
	HeartbeatInterval time.Duration

	// DanglingLevel is the level at which responses without a matching
	// outstanding call are logged. Nil drops them silently.
	DanglingLevel *zapcore.Level

	Logger *zap.Logger
	Dialer DialFunc
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = codec.JSONCodec{}
	}
	switch {
	case o.ConnectRetries == 0:
		o.ConnectRetries = DefaultConnectRetries
	case o.ConnectRetries < 0:
		o.ConnectRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Dialer == nil {
		d := &net.Dialer{Timeout: o.DialTimeout, KeepAlive: 30 * time.Second}
		o.Dialer = d.DialContext
	}
	return o
}

func (o Options) attempts() int {
	return o.ConnectRetries + 1
}

// backoff returns the pause before connect attempt i, counting from 0.
func (o Options) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return o.RetryBackoff * time.Duration(1<<(attempt-1))
}
