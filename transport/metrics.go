package transport

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"query-rpc/rpcerr"
)

var prom struct {
	calls      *prometheus.CounterVec
	callErrors *prometheus.CounterVec
	dangling   prometheus.Counter
	connsOpen  prometheus.Gauge
	dials      *prometheus.CounterVec
}

func init() {
	prom.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "transport",
		Name:      "calls_total",
		Help:      "number of calls issued, by invocation mode",
	}, []string{"mode"})
	prom.callErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "transport",
		Name:      "call_errors_total",
		Help:      "number of calls resolved with an error, by error kind",
	}, []string{"kind"})
	prom.dangling = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "transport",
		Name:      "dangling_responses_total",
		Help:      "number of responses dropped because no call was waiting for them",
	})
	prom.connsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qrpc",
		Subsystem: "transport",
		Name:      "connections_open",
		Help:      "number of live client connections",
	})
	prom.dials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "transport",
		Name:      "dials_total",
		Help:      "number of dial attempts, by result",
	}, []string{"result"})
}

// RegisterMetrics registers the transport collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.calls)
	r.MustRegister(prom.callErrors)
	r.MustRegister(prom.dangling)
	r.MustRegister(prom.connsOpen)
	r.MustRegister(prom.dials)
}

func errorKind(err error) string {
	var (
		remote   *rpcerr.RemoteError
		timeout  *rpcerr.TimeoutError
		failure  *rpcerr.TransportFailure
		protoErr *rpcerr.ProtocolError
		decode   *rpcerr.DecodeError
		connect  *rpcerr.ConnectError
	)
	switch {
	case errors.As(err, &remote):
		return "remote"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &failure):
		return "transport"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &decode):
		return "decode"
	case errors.As(err, &connect):
		return "connect"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}
