package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"query-rpc/message"
	"query-rpc/protocol"
)

// scriptServer answers requests with canned behavior per method:
//
//	Ping    → "pong"
//	Echo    → the request payload
//	Slow    → "late" after 300ms
//	Jitter  → the request payload after a random-ish delay
//	Fail    → error "boom"
//	Empty   → success without payload
//	Garbage → payload that is not JSON
//	Hang    → never answers
//	Drop    → closes the connection
type scriptServer struct {
	ln         net.Listener
	accepted   atomic.Int32
	heartbeats atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func newScriptServer(tb testing.TB) *scriptServer {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	s := &scriptServer{ln: ln}
	go s.serve()
	tb.Cleanup(s.close)
	return s
}

func (s *scriptServer) addr() string { return s.ln.Addr().String() }

func (s *scriptServer) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *scriptServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *scriptServer) handle(c net.Conn) {
	defer c.Close()
	var writeMu sync.Mutex
	reply := func(resp *message.Response) {
		body, err := message.EncodeResponse(resp)
		if err != nil {
			panic(err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = protocol.WriteFrame(c, body, 0)
	}
	r := bufio.NewReader(c)
	for {
		body, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
		if err != nil {
			return
		}
		if kind, _ := message.Peek(body); kind == message.KindHeartbeat {
			s.heartbeats.Add(1)
			continue
		}
		req, err := message.DecodeRequest(body)
		if err != nil {
			return
		}
		switch req.Method {
		case "Ping":
			reply(message.ReplyTo(req, mustJSON("pong")))
		case "Echo":
			reply(message.ReplyTo(req, req.Payload))
		case "Slow":
			go func() {
				time.Sleep(300 * time.Millisecond)
				reply(message.ReplyTo(req, mustJSON("late")))
			}()
		case "Jitter":
			go func() {
				time.Sleep(time.Duration(req.CallID%7) * time.Millisecond)
				reply(message.ReplyTo(req, req.Payload))
			}()
		case "Fail":
			reply(message.ErrorResponse(req, "boom", "goroutine 1 [running]:\nmain.fail()"))
		case "Empty":
			reply(message.ReplyTo(req, nil))
		case "Garbage":
			reply(message.ReplyTo(req, []byte("{not json")))
		case "Hang":
		case "Drop":
			return
		default:
			reply(message.ErrorResponse(req, "unknown method "+req.Method, ""))
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func testOptions() Options {
	return Options{
		ConnectRetries:    -1,
		RetryBackoff:      time.Millisecond,
		CallTimeout:       2 * time.Second,
		HeartbeatInterval: -1,
	}
}

func dialScript(t *testing.T, s *scriptServer, opts Options) *Conn {
	t.Helper()
	c, err := Dial(t.Context(), ConnKey{Addr: s.addr(), Service: "Script"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
