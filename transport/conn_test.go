package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/protocol"
	"query-rpc/rpcerr"
)

func TestCallPing(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	var reply string
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
	assert.Equal(t, "pong", reply)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCallSerial(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	for i := 0; i < 10; i++ {
		var got int
		require.NoError(t, c.Call(context.Background(), "Echo", i, &got))
		assert.Equal(t, i, got)
	}
}

func TestCallRemoteError(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	var reply string
	err := c.Call(context.Background(), "Fail", nil, &reply)
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "Fail", remote.Method)
	assert.Contains(t, remote.Trace, "goroutine 1")
	assert.Equal(t, "Script("+s.addr()+"): boom", err.Error())
	assert.False(t, rpcerr.IsFatal(err))

	// the connection survives a remote error
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
}

func TestCallTimeoutDropsLateResponse(t *testing.T) {
	s := newScriptServer(t)
	opts := testOptions()
	opts.CallTimeout = 100 * time.Millisecond
	c := dialScript(t, s, opts)

	before := testutil.ToFloat64(prom.dangling)
	start := time.Now()
	var reply string
	err := c.Call(context.Background(), "Slow", nil, &reply)
	elapsed := time.Since(start)

	var timeout *rpcerr.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.After)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Empty(t, reply)
	assert.Equal(t, 0, c.Outstanding())

	// the late response arrives and is dropped without harm
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(prom.dangling) > before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, reply)
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
	assert.Equal(t, "pong", reply)
}

func TestCallContextDeadline(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "Hang", nil, nil)
	var timeout *rpcerr.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCallContextCancel(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Call(ctx, "Hang", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Outstanding())
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := c.Call(context.Background(), "Jitter", i, &got); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.Errorf("call %d got reply %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Outstanding())
}

func TestGoResolvesOnce(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	var runs atomic.Int32
	var reply string
	done := make(chan *Call, 1)
	call := c.Go("Ping", nil, &reply, func(call *Call) {
		runs.Add(1)
		done <- call
	})
	select {
	case got := <-done:
		assert.Same(t, call, got)
		assert.NoError(t, got.Error)
		assert.Equal(t, "pong", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	assert.True(t, call.Resolved())
	assert.Equal(t, ModeAsync, call.Mode)

	// late resolutions are ignored
	call.finish(errors.New("second"))
	assert.NoError(t, call.Wait())
	assert.Equal(t, int32(1), runs.Load())
}

func TestGoWaitTimeoutWithdrawsCall(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	call := c.Go("Hang", nil, nil, nil)
	err := call.WaitTimeout(30 * time.Millisecond)
	var timeout *rpcerr.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, call.ID, timeout.CallID)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	const k = 5
	calls := make([]*Call, k)
	for i := range calls {
		calls[i] = c.Go("Hang", nil, nil, nil)
	}
	require.Eventually(t, func() bool { return c.Outstanding() == k }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	for _, call := range calls {
		err := call.WaitTimeout(time.Second)
		var failure *rpcerr.TransportFailure
		require.ErrorAs(t, err, &failure)
		assert.ErrorIs(t, err, ErrClosed)
	}
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Err(), ErrClosed)

	// a dead connection rejects new calls at once
	err := c.Call(context.Background(), "Ping", nil, nil)
	var failure *rpcerr.TransportFailure
	assert.ErrorAs(t, err, &failure)
	assert.NoError(t, c.Close())
}

func TestCloseFromCallback(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	returned := make(chan error, 1)
	call := c.Go("Hang", nil, nil, func(*Call) { returned <- c.Close() })
	require.Eventually(t, func() bool { return c.Outstanding() == 1 }, time.Second, 5*time.Millisecond)

	c.shutdown(ErrClosed)
	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close inside the callback did not return")
	}
	var failure *rpcerr.TransportFailure
	assert.ErrorAs(t, call.Wait(), &failure)
	assert.NoError(t, c.Close())
}

func TestPeerCloseFailsOutstandingCalls(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	hanging := c.Go("Hang", nil, nil, nil)
	err := c.Call(context.Background(), "Drop", nil, nil)
	assert.True(t, rpcerr.IsFatal(err))
	assert.True(t, rpcerr.IsFatal(hanging.WaitTimeout(time.Second)))
	assert.True(t, c.Closed())
}

func TestEmptyPayloadLeavesZeroReply(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	reply := struct{ N int }{}
	require.NoError(t, c.Call(context.Background(), "Empty", nil, &reply))
	assert.Zero(t, reply.N)
}

func TestDecodeErrorKeepsConnection(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	var n int
	err := c.Call(context.Background(), "Garbage", nil, &n)
	var decode *rpcerr.DecodeError
	require.ErrorAs(t, err, &decode)
	assert.False(t, rpcerr.IsFatal(err))

	var reply string
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
}

func TestCallRawPassesBytesThrough(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	got, err := c.CallRaw(context.Background(), "Echo", []byte("\x00\x01raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x01raw"), got)

	done := make(chan struct{})
	c.GoRaw("Echo", []byte("async"), func(call *Call) {
		assert.Equal(t, []byte("async"), call.Result)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestOversizedRequestIsRejectedLocally(t *testing.T) {
	s := newScriptServer(t)
	opts := testOptions()
	opts.MaxFrameSize = 64
	c := dialScript(t, s, opts)

	_, err := c.CallRaw(context.Background(), "Echo", make([]byte, 1024))
	var perr *rpcerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.False(t, c.Closed())

	var reply string
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
}

func TestOversizedResponseKillsConnection(t *testing.T) {
	s := newScriptServer(t)
	opts := testOptions()
	// a 100 byte echo fits the request frame but not the response frame
	opts.MaxFrameSize = 115
	c := dialScript(t, s, opts)

	_, err := c.CallRaw(context.Background(), "Echo", make([]byte, 100))
	var failure *rpcerr.TransportFailure
	require.ErrorAs(t, err, &failure)
	var perr *rpcerr.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.True(t, c.Closed())
}

func TestEncodeFailureIsLocal(t *testing.T) {
	s := newScriptServer(t)
	c := dialScript(t, s, testOptions())

	err := c.Call(context.Background(), "Echo", make(chan int), nil)
	require.Error(t, err)
	assert.False(t, rpcerr.IsFatal(err))
	assert.False(t, c.Closed())
}

func TestHeartbeatsAreSent(t *testing.T) {
	s := newScriptServer(t)
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	dialScript(t, s, opts)

	assert.Eventually(t, func() bool { return s.heartbeats.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDialRetriesThenGivesUp(t *testing.T) {
	var attempts atomic.Int32
	opts := testOptions()
	opts.ConnectRetries = 2
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}

	_, err := Dial(context.Background(), ConnKey{Addr: "127.0.0.1:1"}, opts)
	var cerr *rpcerr.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDialSucceedsAfterRetry(t *testing.T) {
	s := newScriptServer(t)
	var attempts atomic.Int32
	opts := testOptions()
	opts.ConnectRetries = 2
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	c, err := Dial(context.Background(), ConnKey{Addr: s.addr()}, opts)
	require.NoError(t, err)
	defer c.Close()
	var reply string
	require.NoError(t, c.Call(context.Background(), "Ping", nil, &reply))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestBackoffDoubles(t *testing.T) {
	o := Options{RetryBackoff: 10 * time.Millisecond}
	assert.Equal(t, time.Duration(0), o.backoff(0))
	assert.Equal(t, 10*time.Millisecond, o.backoff(1))
	assert.Equal(t, 20*time.Millisecond, o.backoff(2))
	assert.Equal(t, 40*time.Millisecond, o.backoff(3))
}

func TestNewConnOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client, ConnKey{Addr: "pipe:0"}, testOptions())
	defer c.Close()

	// a request from the server side is a protocol violation
	go func() {
		_ = protocol.WriteFrame(server, []byte{0x01, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}, 0)
	}()
	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
	var perr *rpcerr.ProtocolError
	assert.ErrorAs(t, c.Err(), &perr)
}
