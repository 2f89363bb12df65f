package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	InsertAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "insert_attempts_total",
			Help:      "Level insertion attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "insert_conflicts_total",
			Help:      "Level conflicts seen by a visited key, labeled by which side proceeded.",
		},
		[]string{"winner"},
	)

	Height = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skipgraph",
			Name:      "routing_height",
			Help:      "Routing table height shared by inserted keys.",
		},
	)

	HostedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skipgraph",
			Name:      "hosted_keys",
			Help:      "Keys hosted by this peer in any state.",
		},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "query_messages_sent_total",
			Help:      "Query messages forwarded to delegates.",
		},
		[]string{"kind"},
	)

	AckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "ack_timeouts_total",
			Help:      "Child messages that were not acknowledged in time.",
		},
	)

	Retransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "query_retransmits_total",
			Help:      "Gap retransmissions triggered by the periodic flush.",
		},
	)

	ExecCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "exec_calls_total",
			Help:      "Local query executions, labeled by whether history answered them.",
		},
		[]string{"source"},
	)

	ActiveQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skipgraph",
			Name:      "active_query_returns",
			Help:      "Query participations still awaiting answers.",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skipgraph",
			Name:      "query_duration_seconds",
			Help:      "Root query lifetime until disposal.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"outcome"},
	)

	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "link_repairs_total",
			Help:      "Left-link repairs by outcome.",
		},
		[]string{"outcome"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skipgraph",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	RPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipgraph",
			Name:      "rpc_requests_total",
			Help:      "Peer RPCs by side, method and status code.",
		},
		[]string{"side", "method", "code"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skipgraph",
			Name:      "rpc_duration_seconds",
			Help:      "Latency of peer RPCs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"side", "method"},
	)
)

func init() {
	Registry.MustRegister(
		InsertAttempts, Conflicts, Height, HostedKeys,
		MessagesSent, AckTimeouts, Retransmits, ExecCalls,
		ActiveQueries, QueryDuration, Repairs,
		RequestsTotal, RequestDuration,
		RPCsTotal, RPCDuration,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ObserveRPC records one peer RPC.
func ObserveRPC(side, method, code string, elapsed time.Duration) {
	RPCsTotal.WithLabelValues(side, method, code).Inc()
	RPCDuration.WithLabelValues(side, method).Observe(elapsed.Seconds())
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
