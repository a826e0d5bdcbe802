// Package transport implements the client side of query-rpc: multiplexed
// connections, call correlation and a connection pool.
//
// A Conn carries any number of concurrent calls over one TCP connection.
// Each request gets a call ID unique among the connection's outstanding
// calls, and a single receive goroutine reads responses and resolves the
// matching call, whatever order the server answers in.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ one TCP conn ──→ server
//	goroutine-3 ──Go(id=3)────┘
//
//	recvLoop: ←── response(id=2) → pending[2] resolved → goroutine-2 wakes up
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"query-rpc/message"
	"query-rpc/protocol"
	"query-rpc/rpcerr"
)

// ErrClosed is the cause reported to calls on a connection closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Invoker issues calls in blocking or asynchronous mode. *Conn and
// *client.Client implement it.
type Invoker interface {
	Call(ctx context.Context, method string, args, reply any) error
	Go(method string, args, reply any, done func(*Call)) *Call
}

// Conn is one multiplexed client connection. It is safe for concurrent use.
type Conn struct {
	id   string
	key  ConnKey
	conn net.Conn
	opts Options
	log  *zap.Logger

	// sending serializes frame writes. Writes from concurrent calls would
	// otherwise interleave and corrupt the stream.
	sending sync.Mutex
	pending *pendingCalls

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	onClose   func(*Conn)
}

// Dial connects to key.Addr, retrying with exponential backoff, and
// returns the running connection. Once the first attempt and
// opts.ConnectRetries retries have failed it returns a *rpcerr.ConnectError.
func Dial(ctx context.Context, key ConnKey, opts Options) (*Conn, error) {
	return dial(ctx, key, opts.withDefaults(), nil)
}

func dial(ctx context.Context, key ConnKey, opts Options, onClose func(*Conn)) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < opts.attempts(); attempt++ {
		if wait := opts.backoff(attempt); wait > 0 {
			opts.Logger.Debug("retrying connect",
				zap.String("addr", key.Addr), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(lastErr))
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, &rpcerr.ConnectError{Addr: key.Addr, Attempts: attempt, Err: ctx.Err()}
			}
		}
		dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		nc, err := opts.Dialer(dctx, "tcp", key.Addr)
		cancel()
		if err == nil {
			prom.dials.WithLabelValues("ok").Inc()
			return newConn(nc, key, opts, onClose), nil
		}
		prom.dials.WithLabelValues("error").Inc()
		lastErr = err
	}
	opts.Logger.Warn("connect failed", zap.String("addr", key.Addr), zap.Int("attempts", opts.attempts()), zap.Error(lastErr))
	return nil, &rpcerr.ConnectError{Addr: key.Addr, Attempts: opts.attempts(), Err: lastErr}
}

// NewConn runs the client protocol over an established stream. It starts
// the receive loop and, unless disabled, the keepalive loop.
func NewConn(nc net.Conn, key ConnKey, opts Options) *Conn {
	return newConn(nc, key, opts.withDefaults(), nil)
}

func newConn(nc net.Conn, key ConnKey, opts Options, onClose func(*Conn)) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		key:     key,
		conn:    nc,
		opts:    opts,
		log:     opts.Logger.With(zap.String("conn", id), zap.Stringer("key", key)),
		pending: newPendingCalls(),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	prom.connsOpen.Inc()
	c.log.Debug("connection established", zap.Stringer("remote", nc.RemoteAddr()))
	go c.recvLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c
}

// ID is a process-unique identifier used in logs.
func (c *Conn) ID() string { return c.id }

// Key is the pool identity the connection was created for.
func (c *Conn) Key() ConnKey { return c.key }

// Closed reports whether the connection is dead.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err returns why the connection died, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Outstanding returns the number of calls awaiting a response.
func (c *Conn) Outstanding() int {
	return c.pending.len()
}

// Call issues a blocking call and waits for its result, decoding the
// response payload into reply. The wait ends with the response, with the
// context, or after Options.CallTimeout when ctx has no deadline.
func (c *Conn) Call(ctx context.Context, method string, args, reply any) error {
	call := c.start(method, args, reply, ModeBlocking, nil)
	return call.wait(ctx, c.callTimeout(ctx))
}

// Go issues an asynchronous call and returns immediately. done, when not
// nil, runs exactly once with the resolved call. It runs on the receive
// goroutine and must not block; if the call fails before it is sent, done
// runs on the calling goroutine before Go returns.
func (c *Conn) Go(method string, args, reply any, done func(*Call)) *Call {
	return c.start(method, args, reply, ModeAsync, done)
}

// CallRaw is Call with an already serialized argument. It returns the raw
// response payload.
func (c *Conn) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	call := newCall(method, nil, ModeBlocking, nil)
	c.send(call, payload)
	if err := call.wait(ctx, c.callTimeout(ctx)); err != nil {
		return nil, err
	}
	return call.Result, nil
}

// GoRaw is Go with an already serialized argument.
func (c *Conn) GoRaw(method string, payload []byte, done func(*Call)) *Call {
	call := newCall(method, nil, ModeAsync, done)
	c.send(call, payload)
	return call
}

func (c *Conn) callTimeout(ctx context.Context) time.Duration {
	if _, ok := ctx.Deadline(); ok || c.opts.CallTimeout < 0 {
		return 0
	}
	return c.opts.CallTimeout
}

func (c *Conn) start(method string, args, reply any, mode Mode, done func(*Call)) *Call {
	call := newCall(method, reply, mode, done)
	payload, err := c.opts.Codec.Encode(args)
	if err != nil {
		prom.calls.WithLabelValues(mode.String()).Inc()
		call.finish(errors.Wrapf(err, "encode arguments of %s", method))
		return call
	}
	c.send(call, payload)
	return call
}

// send registers call and writes its request. Registration happens before
// the write so the response can never arrive ahead of its pending entry.
// Failures resolve the call outside the write lock.
func (c *Conn) send(call *Call, payload []byte) {
	prom.calls.WithLabelValues(call.Mode.String()).Inc()
	fatal, err := c.writeRequest(call, payload)
	if err == nil {
		return
	}
	if fatal {
		err = &rpcerr.TransportFailure{Addr: c.key.Addr, Err: err}
		c.shutdown(err)
	}
	// the sweep in shutdown may have resolved the call already
	if c.pending.remove(call) || call.pending == nil {
		call.finish(err)
	}
}

// writeRequest reports fatal for errors that leave the stream unusable.
func (c *Conn) writeRequest(call *Call, payload []byte) (fatal bool, err error) {
	c.sending.Lock()
	defer c.sending.Unlock()
	if err := c.pending.register(call); err != nil {
		return false, err
	}
	call.sent = time.Now()
	body, err := message.EncodeRequest(call.ID, call.Method, payload)
	if err != nil {
		return false, err
	}
	if err := protocol.WriteFrame(c.conn, body, c.opts.MaxFrameSize); err != nil {
		var perr *rpcerr.ProtocolError
		// an oversized frame is rejected before anything is written
		return !errors.As(err, &perr), err
	}
	return false, nil
}

// recvLoop is the only reader of the connection. Reads must be sequential
// to keep frame boundaries, so every response is resolved from here.
func (c *Conn) recvLoop() {
	r := bufio.NewReader(c.conn)
	for {
		body, err := protocol.ReadFrame(r, c.opts.MaxFrameSize)
		if err != nil {
			c.shutdown(err)
			return
		}
		kind, err := message.Peek(body)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch kind {
		case message.KindHeartbeat:
			continue
		case message.KindRequest:
			c.shutdown(&rpcerr.ProtocolError{Reason: "server sent a request envelope"})
			return
		}
		resp, err := message.DecodeResponse(body)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.resolve(resp)
	}
}

func (c *Conn) resolve(resp *message.Response) {
	call := c.pending.take(resp.CallID)
	if call == nil {
		c.dangling(resp)
		return
	}
	if resp.Failed() {
		call.finish(&rpcerr.RemoteError{
			Service: c.key.Service,
			Addr:    c.key.Addr,
			Method:  call.Method,
			Message: resp.Error,
			Trace:   resp.ErrorTrace,
		})
		return
	}
	call.Result = resp.Payload
	var err error
	// an empty payload leaves reply at its zero value
	if call.Reply != nil && len(resp.Payload) > 0 {
		if derr := c.opts.Codec.Decode(resp.Payload, call.Reply); derr != nil {
			err = &rpcerr.DecodeError{Method: call.Method, Err: derr}
		}
	}
	call.finish(err)
}

// dangling handles a response whose call timed out, was cancelled, or
// never existed.
func (c *Conn) dangling(resp *message.Response) {
	prom.dangling.Inc()
	if c.opts.DanglingLevel == nil {
		return
	}
	if ce := c.log.Check(*c.opts.DanglingLevel, "dropping response without outstanding call"); ce != nil {
		ce.Write(zap.Uint32("call_id", resp.CallID), zap.String("method", resp.Method), zap.Bool("error", resp.Failed()))
	}
}

// heartbeatLoop keeps idle connections alive. A failed write ends the
// connection; the receive loop would notice the broken stream anyway.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	hb := message.EncodeHeartbeat()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		c.sending.Lock()
		err := protocol.WriteFrame(c.conn, hb, c.opts.MaxFrameSize)
		c.sending.Unlock()
		if err != nil {
			c.shutdown(errors.Wrap(err, "write heartbeat"))
			return
		}
	}
}

// Close tears the connection down. Outstanding calls fail with a
// *rpcerr.TransportFailure wrapping ErrClosed.
func (c *Conn) Close() error {
	return c.shutdown(ErrClosed)
}

// shutdown marks the connection dead because of cause. Only the first call
// has an effect and returns the socket's close error.
//
// Pending calls are failed after the Once has completed: their callbacks
// may close this connection or its pool again.
func (c *Conn) shutdown(cause error) error {
	var (
		first bool
		err   error
	)
	c.closeOnce.Do(func() {
		first = true
		c.closeErr = cause
		close(c.closed)
		err = c.conn.Close()
		prom.connsOpen.Dec()
	})
	if first {
		c.teardown(cause)
	}
	return err
}

func (c *Conn) teardown(cause error) {
	failure := cause
	var tf *rpcerr.TransportFailure
	if !errors.As(cause, &tf) {
		failure = &rpcerr.TransportFailure{Addr: c.key.Addr, Err: cause}
	}
	c.pending.fail(failure)

	switch {
	case cause == ErrClosed:
		c.log.Debug("connection closed")
	case errors.Is(cause, io.EOF):
		c.log.Info("connection closed by peer")
	default:
		c.log.Warn("connection failed", zap.Error(cause))
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}
