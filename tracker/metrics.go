package tracker

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	heartbeats prometheus.Counter
	active     prometheus.Gauge
	inactive   prometheus.Gauge
}

func init() {
	prom.heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrpc",
		Subsystem: "tracker",
		Name:      "heartbeats_total",
		Help:      "number of worker heartbeats received",
	})
	prom.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qrpc",
		Subsystem: "tracker",
		Name:      "workers_active",
		Help:      "number of workers that reported within the expiry",
	})
	prom.inactive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qrpc",
		Subsystem: "tracker",
		Name:      "workers_inactive",
		Help:      "number of expired workers",
	})
}

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.heartbeats)
	r.MustRegister(prom.active)
	r.MustRegister(prom.inactive)
}
