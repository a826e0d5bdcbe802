// Package server implements the query-rpc server: one static service
// contract, concurrent request dispatch and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: worker pool (parallel processing)
//	    → middleware chain → method handler → encode → write response
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"query-rpc/message"
	"query-rpc/middleware"
	"query-rpc/protocol"
	"query-rpc/registry"
	"query-rpc/rpcerr"
)

// MsgShuttingDown is the error text sent for requests arriving during
// Shutdown.
const MsgShuttingDown = "server is shutting down"

// Server answers requests for exactly one ServiceDesc.
type Server struct {
	desc    ServiceDesc
	methods map[string]MethodHandler
	opts    options
	log     *zap.Logger

	// handler is the middleware chain around dispatch, built once
	handler middleware.HandlerFunc
	workers *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	conns      map[net.Conn]struct{}
	shutdown   bool
	registered string // advertised address, empty while unregistered
	inflight   sync.WaitGroup
}

// New returns a server for desc. It serves nothing until Serve is called.
func New(desc ServiceDesc, opts ...Option) (*Server, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	workers, err := ants.NewPool(o.workers)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}

	s := &Server{
		desc:      desc,
		methods:   make(map[string]MethodHandler, len(desc.Methods)),
		opts:      o,
		log:       o.log.With(zap.String("service", desc.Name)),
		workers:   workers,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, m := range desc.Methods {
		s.methods[m.Name] = m.Handler
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Recover is outermost so panics in middlewares are caught as well
	chain := append([]middleware.Middleware{middleware.Recover(s.log)}, o.middlewares...)
	s.handler = middleware.Chain(chain...)(s.dispatch)
	return s, nil
}

// Service returns the name of the served contract.
func (s *Server) Service() string { return s.desc.Name }

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after
// Shutdown and the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	if err := s.register(l); err != nil {
		_ = l.Close()
		return err
	}
	s.log.Info("serving", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.shutdown
			delete(s.listeners, l)
			s.mu.Unlock()
			if closing {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.handleConn(conn)
	}
}

func (s *Server) register(l net.Listener) error {
	if s.opts.registry == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered != "" {
		return nil
	}
	addr := s.opts.advertise
	if addr == "" {
		addr = l.Addr().String()
	}
	inst := registry.ServiceInstance{Addr: addr}
	if err := s.opts.registry.Register(s.ctx, s.desc.Name, inst, s.opts.ttl); err != nil {
		return errors.Wrapf(err, "register %s at %s", s.desc.Name, addr)
	}
	s.registered = addr
	return nil
}

// handleConn is the only reader of conn. Reads must be sequential to keep
// frame boundaries; each decoded request is handed to the worker pool so a
// slow handler does not hold up the requests behind it.
//
// The write mutex is shared by all requests of the connection. Responses
// go out in completion order, not request order.
func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With(zap.String("conn", uuid.NewString()), zap.Stringer("remote", conn.RemoteAddr()))
	if !s.trackConn(conn, true) {
		_ = conn.Close()
		return
	}
	defer s.trackConn(conn, false)
	defer conn.Close()
	log.Debug("connection accepted")

	writeMu := &sync.Mutex{}
	r := bufio.NewReader(conn)
	for {
		if s.opts.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
		}
		body, err := protocol.ReadFrame(r, s.opts.maxFrameSize)
		if err != nil {
			s.connError(log, err)
			return
		}
		kind, err := message.Peek(body)
		if err != nil {
			s.connError(log, err)
			return
		}
		switch kind {
		case message.KindHeartbeat:
			continue
		case message.KindResponse:
			s.connError(log, &rpcerr.ProtocolError{Reason: "client sent a response envelope"})
			return
		}
		req, err := message.DecodeRequest(body)
		if err != nil {
			s.connError(log, err)
			return
		}
		s.submit(conn, writeMu, req, log)
	}
}

func (s *Server) connError(log *zap.Logger, err error) {
	var perr *rpcerr.ProtocolError
	var nerr net.Error
	switch {
	case errors.As(err, &perr):
		prom.frameErrors.Inc()
		log.Warn("closing connection after protocol error", zap.Error(err))
	case errors.Is(err, io.EOF):
		log.Debug("connection closed by peer")
	case errors.As(err, &nerr) && nerr.Timeout():
		log.Info("closing idle connection", zap.Duration("idle_timeout", s.opts.idleTimeout))
	default:
		s.mu.Lock()
		closing := s.shutdown
		s.mu.Unlock()
		if !closing {
			log.Warn("connection read failed", zap.Error(err))
		}
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

// submit runs req on the worker pool. The in-flight count is raised under
// s.mu so Shutdown never waits on a group that is still growing.
func (s *Server) submit(conn net.Conn, writeMu *sync.Mutex, req *message.Request, log *zap.Logger) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.writeResponse(conn, writeMu, message.ErrorResponse(req, MsgShuttingDown, ""), log)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	err := s.workers.Submit(func() {
		defer s.inflight.Done()
		s.handleRequest(conn, writeMu, req, log)
	})
	if err != nil {
		s.inflight.Done()
		s.writeResponse(conn, writeMu, message.ErrorResponse(req, MsgShuttingDown, ""), log)
	}
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, req *message.Request, log *zap.Logger) {
	label := req.Method
	if _, ok := s.methods[label]; !ok {
		label = "unknown"
	}
	start := time.Now()
	resp := s.handler(s.ctx, req)
	prom.requests.WithLabelValues(label).Inc()
	prom.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if resp.Failed() {
		prom.requestErrors.WithLabelValues(label).Inc()
	}
	s.writeResponse(conn, writeMu, resp, log)
}

// dispatch is the innermost handler: it looks up the method and runs it.
// Handler errors become error responses whose trace is the %+v rendering
// of the error, which includes a stack for errors built with pkg/errors.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	h, ok := s.methods[req.Method]
	if !ok {
		return message.ErrorResponse(req, fmt.Sprintf("unknown method %q of service %s", req.Method, s.desc.Name), "")
	}
	payload, err := h(ctx, req.Payload, s.opts.codec)
	if err != nil {
		trace := fmt.Sprintf("%+v", err)
		if trace == err.Error() {
			trace = ""
		}
		return message.ErrorResponse(req, err.Error(), trace)
	}
	return message.ReplyTo(req, payload)
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp *message.Response, log *zap.Logger) {
	body, err := message.EncodeResponse(resp)
	if err == nil && uint32(len(body)) > s.opts.maxFrameSize {
		err = errors.Errorf("response of %d bytes exceeds frame limit %d", len(body), s.opts.maxFrameSize)
		log.Warn("replacing oversized response", zap.String("method", resp.Method), zap.Error(err))
		body, err = message.EncodeResponse(&message.Response{
			CallID: resp.CallID, Method: resp.Method, Error: err.Error(), HasError: true,
		})
	}
	if err != nil {
		log.Error("encode response", zap.String("method", resp.Method), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.WriteFrame(conn, body, s.opts.maxFrameSize); err != nil {
		log.Debug("write response", zap.Uint32("call_id", resp.CallID), zap.Error(err))
	}
}

// Shutdown stops the server gracefully:
//  1. withdraw the registration, so clients stop routing here
//  2. stop accepting connections and requests
//  3. wait up to timeout for in-flight requests
//  4. close all connections and release the workers
//
// Errors from every step are collected.
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	s.mu.Lock()
	addr := s.registered
	s.registered = ""
	s.mu.Unlock()
	if addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, s.opts.registry.Deregister(ctx, s.desc.Name, addr))
		cancel()
	}

	s.mu.Lock()
	s.shutdown = true
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "close listener %s", l.Addr()))
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, errors.New("timeout waiting for ongoing requests to finish"))
	}

	s.cancel()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.workers.Release()
	s.log.Info("server stopped")
	return err
}
