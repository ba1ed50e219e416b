// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var mediaBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30}

var (
	DeviceConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devlink",
		Name:      "device_connections",
		Help:      "Registered device connections.",
	})

	AdminConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devlink",
		Name:      "admin_connections",
		Help:      "Authenticated admin connections.",
	})

	PairingOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Subsystem: "pairing",
		Name:      "submissions_total",
		Help:      "Verification submissions by outcome code.",
	}, []string{"outcome"})

	MediaRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Subsystem: "media",
		Name:      "requests_total",
		Help:      "Proxied media requests by operation and result.",
	}, []string{"op", "result"})

	MediaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devlink",
		Subsystem: "media",
		Name:      "request_duration_seconds",
		Help:      "Latency of proxied media requests.",
		Buckets:   mediaBuckets,
	}, []string{"op"})

	InboundFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Subsystem: "gateway",
		Name:      "inbound_frames_total",
		Help:      "Inbound WebSocket frames by channel and event.",
	}, []string{"channel", "event"})
)

func init() {
	prometheus.MustRegister(
		DeviceConnections,
		AdminConnections,
		PairingOutcomes,
		MediaRequests,
		MediaDuration,
		InboundFrames,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
