package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionTimeouts  prometheus.Counter
	acceptErrors        prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	payloadBytes    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filemux_connections_accepted_total",
			Help: "Total number of accepted connections.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filemux_connections_active",
			Help: "Number of connections currently open.",
		}),
		connectionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filemux_connection_timeouts_total",
			Help: "Total number of connections closed for exceeding the connection timeout.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filemux_accept_errors_total",
			Help: "Total number of failed accepts.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filemux_requests_total",
			Help: "Total number of requests which received a reply code.",
		}, []string{"command", "reply"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filemux_request_duration_seconds",
			Help:    "Time from accepting a connection to closing it.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filemux_payload_bytes_total",
			Help: "Total number of payload bytes written after a reply code.",
		}, []string{"command"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsAccepted,
			m.connectionsActive,
			m.connectionTimeouts,
			m.acceptErrors,
			m.requestsTotal,
			m.requestDuration,
			m.payloadBytes,
		)
	}
	return m
}
