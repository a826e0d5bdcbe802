package server

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"query-rpc/codec"
	"query-rpc/message"
	"query-rpc/middleware"
	"query-rpc/protocol"
	"query-rpc/registry"
	"query-rpc/rpcerr"
	"query-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func arithDesc() ServiceDesc {
	return ServiceDesc{
		Name: "Arith",
		Methods: []MethodDesc{
			{Name: "Add", Handler: Unary(func(ctx context.Context, args *Args) (*Reply, error) {
				return &Reply{Result: args.A + args.B}, nil
			})},
			{Name: "Fail", Handler: Unary(func(ctx context.Context, args *Args) (*Reply, error) {
				return nil, errors.New("boom")
			})},
			{Name: "Panic", Handler: Unary(func(ctx context.Context, args *Args) (*Reply, error) {
				panic("kaboom")
			})},
			{Name: "Slow", Handler: Unary(func(ctx context.Context, args *Args) (*Reply, error) {
				time.Sleep(time.Duration(args.A) * time.Millisecond)
				return &Reply{Result: args.A}, nil
			})},
			{Name: "Nothing", Handler: Unary(func(ctx context.Context, args *Args) (*Reply, error) {
				return nil, nil
			})},
			{Name: "Block", Handler: func(ctx context.Context, payload []byte, cdc codec.Codec) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}
}

func startServer(t *testing.T, desc ServiceDesc, opts ...Option) (*Server, string) {
	t.Helper()
	s, err := New(desc, opts...)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s, l.Addr().String()
}

func dial(t *testing.T, addr string, opts transport.Options) *transport.Conn {
	t.Helper()
	opts.HeartbeatInterval = -1
	c, err := transport.Dial(context.Background(), transport.ConnKey{Addr: addr, Service: "Arith"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServe(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestEmptyPayloadIsZeroRequest(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	reply := Reply{Result: 42}
	payload, err := c.CallRaw(context.Background(), "Add", nil)
	require.NoError(t, err)
	require.NoError(t, codec.JSONCodec{}.Decode(payload, &reply))
	assert.Equal(t, 0, reply.Result)
}

func TestNilResponseHasNoPayload(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	payload, err := c.CallRaw(context.Background(), "Nothing", nil)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestUndecodableRequestKeepsConnection(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	_, err := c.CallRaw(context.Background(), "Add", []byte("{not json"))
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "decode request")
	assert.False(t, c.Closed())

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestHandlerErrorCarriesTrace(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	err := c.Call(context.Background(), "Fail", &Args{}, &Reply{})
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Contains(t, remote.Trace, "query-rpc/server")
	assert.Equal(t, "Arith("+addr+"): boom", err.Error())
}

func TestPanicBecomesErrorResponse(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	err := c.Call(context.Background(), "Panic", &Args{}, &Reply{})
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "panic: kaboom", remote.Message)
	assert.NotEmpty(t, remote.Trace)

	// the connection and the server survive
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Add", &Args{A: 2, B: 2}, &reply))
	assert.Equal(t, 4, reply.Result)
}

func TestPanicUnderTimeoutMiddleware(t *testing.T) {
	_, addr := startServer(t, arithDesc(), WithMiddleware(middleware.Timeout(time.Second)))
	c := dial(t, addr, transport.Options{})

	err := c.Call(context.Background(), "Panic", &Args{}, &Reply{})
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "panic: kaboom", remote.Message)
	assert.Contains(t, remote.Trace, "query-rpc/server")

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Add", &Args{A: 2, B: 3}, &reply))
	assert.Equal(t, 5, reply.Result)
}

func TestUnknownMethod(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	err := c.Call(context.Background(), "Mul", &Args{}, &Reply{})
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, `unknown method "Mul" of service Arith`, remote.Message)
}

func TestResponsesInCompletionOrder(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	var slowDone atomic.Bool
	slow := c.Go("Slow", &Args{A: 300}, &Reply{}, func(*transport.Call) { slowDone.Store(true) })

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
	assert.False(t, slowDone.Load(), "fast call should not wait for the slow one")
	require.NoError(t, slow.WaitTimeout(2*time.Second))
}

func TestProtoCodec(t *testing.T) {
	desc := ServiceDesc{
		Name: "Echo",
		Methods: []MethodDesc{{
			Name: "Upper",
			Handler: Unary(func(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
				return wrapperspb.String(in.GetValue() + "!"), nil
			}),
		}},
	}
	_, addr := startServer(t, desc, WithCodec(codec.ProtoCodec{}))
	c := dial(t, addr, transport.Options{Codec: codec.ProtoCodec{}})

	reply := &wrapperspb.StringValue{}
	require.NoError(t, c.Call(context.Background(), "Upper", wrapperspb.String("hi"), reply))
	assert.Equal(t, "hi!", reply.GetValue())
}

func TestMiddlewareIsApplied(t *testing.T) {
	var seen atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			seen.Add(1)
			return next(ctx, req)
		}
	}
	_, addr := startServer(t, arithDesc(), WithMiddleware(count, middleware.RateLimit(0.001, 1)))
	c := dial(t, addr, transport.Options{})

	require.NoError(t, c.Call(context.Background(), "Add", &Args{}, &Reply{}))
	err := c.Call(context.Background(), "Add", &Args{}, &Reply{})
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "rate limit exceeded", remote.Message)
	assert.Equal(t, int32(2), seen.Load())
}

func rawConn(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestHeartbeatsAreIgnored(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	conn, r := rawConn(t, addr)

	require.NoError(t, protocol.WriteFrame(conn, message.EncodeHeartbeat(), 0))
	body, err := message.EncodeRequest(123, "Add", []byte(`{"A":1,"B":2}`))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, body, 0))

	frame, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err := message.DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(123), resp.CallID)
	assert.Equal(t, "Add", resp.Method)
	assert.JSONEq(t, `{"Result":3}`, string(resp.Payload))
}

func TestMalformedEnvelopeClosesConnection(t *testing.T) {
	_, addr := startServer(t, arithDesc())
	conn, r := rawConn(t, addr)

	before := testutil.ToFloat64(prom.frameErrors)
	require.NoError(t, protocol.WriteFrame(conn, []byte{0x7f, 1, 2, 3}, 0))
	_, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(prom.frameErrors))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	_, addr := startServer(t, arithDesc(), WithMaxFrameSize(32))
	conn, r := rawConn(t, addr)

	body, err := message.EncodeRequest(1, "Add", make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, body, 0))
	_, err = protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	assert.Error(t, err)
}

func TestIdleConnectionIsClosed(t *testing.T) {
	_, addr := startServer(t, arithDesc(), WithIdleTimeout(50*time.Millisecond))
	conn, r := rawConn(t, addr)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	start := time.Now()
	_, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdownWaitsForInflightRequests(t *testing.T) {
	s, err := New(arithDesc())
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	c := dial(t, l.Addr().String(), transport.Options{})
	call := c.Go("Slow", &Args{A: 150}, &Reply{}, nil)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
	require.NoError(t, call.WaitTimeout(time.Second))
	assert.NoError(t, <-served)

	_, err = net.DialTimeout("tcp", l.Addr().String(), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestShutdownTimeout(t *testing.T) {
	s, addr := startServer(t, arithDesc())
	c := dial(t, addr, transport.Options{})

	call := c.Go("Block", nil, nil, nil)
	time.Sleep(30 * time.Millisecond)
	err := s.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting")

	// the connection is torn down; the blocked call fails on the client
	assert.True(t, rpcerr.IsFatal(call.WaitTimeout(time.Second)))
}

func TestRegistersWithRegistry(t *testing.T) {
	reg := registry.NewStaticRegistry(nil)
	s, err := New(arithDesc(), WithRegistry(reg, "", time.Second))
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)

	require.Eventually(t, func() bool {
		insts, err := reg.Discover(context.Background(), "Arith")
		return err == nil && len(insts) == 1 && insts[0].Addr == l.Addr().String()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))
	_, err = reg.Discover(context.Background(), "Arith")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestNewRejectsBadDescriptor(t *testing.T) {
	h := Unary(func(ctx context.Context, a *Args) (*Reply, error) { return nil, nil })
	for name, desc := range map[string]ServiceDesc{
		"no name":    {Methods: []MethodDesc{{Name: "A", Handler: h}}},
		"no method":  {Name: "S", Methods: []MethodDesc{{Handler: h}}},
		"no handler": {Name: "S", Methods: []MethodDesc{{Name: "A"}}},
		"duplicate":  {Name: "S", Methods: []MethodDesc{{Name: "A", Handler: h}, {Name: "A", Handler: h}}},
	} {
		_, err := New(desc)
		assert.Error(t, err, name)
	}
}
