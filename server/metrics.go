package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prom struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	requestErrors *prometheus.CounterVec
	frameErrors   prometheus.Counter
}

func init() {
	prom.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "number of requests handled, by method",
	}, []string{"method"})
	prom.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qrpc",
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Help:      "time spent handling a request, by method",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"method"})
	prom.requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "server",
		Name:      "request_errors_total",
		Help:      "number of requests answered with an error, by method",
	}, []string{"method"})
	prom.frameErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "server",
		Name:      "frame_errors_total",
		Help:      "number of connections closed because of a malformed or oversized frame",
	})
}

// RegisterMetrics registers the server collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.requests)
	r.MustRegister(prom.duration)
	r.MustRegister(prom.requestErrors)
	r.MustRegister(prom.frameErrors)
}
