// Package metrics defines the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_runs_total",
		Help: "Runs finished, by terminal status.",
	}, []string{"status"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_runs_active",
		Help: "Runs currently executing.",
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_run_duration_seconds",
		Help:    "Wall time from start to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"status"})

	NodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_nodes_total",
		Help: "Node attempts finished, by terminal state and driver.",
	}, []string{"state", "driver"})

	NodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_node_retries_total",
		Help: "Node attempts re-dispatched after a transient failure.",
	})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_node_duration_seconds",
		Help:    "Wall time of a single node attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"driver"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_total",
		Help: "Events appended to run logs, by kind.",
	}, []string{"kind"})

	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_sse_connections",
		Help: "Open SSE subscriptions.",
	})

	SSEDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_sse_connection_duration_seconds",
		Help:    "Lifetime of closed SSE subscriptions.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_ws_clients",
		Help: "Connected WebSocket clients.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "HTTP requests, by method, route and status code.",
	}, []string{"method", "route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request latency, by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
