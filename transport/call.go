package transport

import (
	"context"
	"sync/atomic"
	"time"

	"query-rpc/rpcerr"
)

// Call is the in-flight state of one request. It is resolved exactly once,
// either by the matching response, by a local timeout or cancellation, or
// by the failure of its connection.
//
// Fields other than done and resolved are written before Done is closed
// and must only be read after it.
type Call struct {
	ID     uint32
	Method string
	Reply  any    // decode target for the response payload, may be nil
	Result []byte // raw response payload
	Error  error
	Mode   Mode

	sent     time.Time
	pending  *pendingCalls
	callback func(*Call)
	done     chan struct{}
	resolved atomic.Bool
}

func newCall(method string, reply any, mode Mode, callback func(*Call)) *Call {
	return &Call{
		Method:   method,
		Reply:    reply,
		Mode:     mode,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Failed returns a call already resolved with err, for invokers that fail
// before a connection is reached. done, when not nil, runs before Failed
// returns.
func Failed(method string, mode Mode, err error, done func(*Call)) *Call {
	c := newCall(method, nil, mode, done)
	c.finish(err)
	return c
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Resolved reports whether the call has a result.
func (c *Call) Resolved() bool {
	return c.resolved.Load()
}

// Wait blocks until the call is resolved and returns its error.
func (c *Call) Wait() error {
	<-c.done
	return c.Error
}

// WaitTimeout is Wait bounded by d. When d elapses first the call is
// withdrawn from its connection and resolved with a *rpcerr.TimeoutError;
// a response arriving later is dropped as dangling. d <= 0 waits forever.
func (c *Call) WaitTimeout(d time.Duration) error {
	return c.wait(context.Background(), d)
}

// WaitContext is Wait bounded by ctx. An expired deadline resolves the
// call with a *rpcerr.TimeoutError, a cancellation with ctx.Err().
func (c *Call) WaitContext(ctx context.Context) error {
	return c.wait(ctx, 0)
}

func (c *Call) wait(ctx context.Context, d time.Duration) error {
	var expired <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-c.done:
		return c.Error
	case <-expired:
		return c.abandon(c.timeoutError(d))
	case <-ctx.Done():
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			err = c.timeoutError(time.Since(c.sent).Round(time.Millisecond))
		}
		return c.abandon(err)
	}
}

func (c *Call) timeoutError(d time.Duration) error {
	return &rpcerr.TimeoutError{Method: c.Method, CallID: c.ID, After: d}
}

// abandon resolves c with err if it is still registered. Otherwise the
// receive loop has already claimed it and its result is imminent.
func (c *Call) abandon(err error) error {
	if c.pending == nil || c.pending.remove(c) {
		c.finish(err)
	}
	<-c.done
	return c.Error
}

// finish resolves the call. Only the first invocation has an effect.
func (c *Call) finish(err error) {
	if !c.resolved.CompareAndSwap(false, true) {
		return
	}
	c.Error = err
	close(c.done)
	if err != nil {
		prom.callErrors.WithLabelValues(errorKind(err)).Inc()
	}
	if c.callback != nil {
		c.callback(c)
	}
}
