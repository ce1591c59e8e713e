package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StatementsRouted counts routed statements by backend and role
	StatementsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqrouter_statements_routed_total",
			Help: "Total number of statements routed, by backend and role",
		},
		[]string{"backend", "role"},
	)

	// SessionCommands counts session command executions across backends
	SessionCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqrouter_session_commands_total",
			Help: "Total session command executions fanned out to backends",
		},
	)

	// RoutingFailures counts failed routing decisions by reason
	RoutingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqrouter_routing_failures_total",
			Help: "Total number of statements that could not be routed",
		},
		[]string{"reason"},
	)

	// Reconnections counts mid-session backend reconnections by backend
	Reconnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqrouter_reconnections_total",
			Help: "Total number of mid-session backend reconnections",
		},
		[]string{"backend"},
	)

	// KeepalivePings counts idle-connection keepalive probes by backend
	KeepalivePings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqrouter_keepalive_pings_total",
			Help: "Total number of keepalive probes sent to idle backends",
		},
		[]string{"backend"},
	)

	// HistoryDisabled counts sessions that overflowed their command history
	HistoryDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqrouter_sescmd_history_disabled_total",
			Help: "Total number of sessions whose command history was disabled",
		},
	)

	// RouteLatency tracks the time spent deciding and dispatching
	RouteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqrouter_route_latency_seconds",
			Help:    "Routing decision and dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	// CacheHits counts result cache hits
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqrouter_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	// CacheMisses counts result cache misses
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqrouter_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(StatementsRouted)
		prometheus.MustRegister(SessionCommands)
		prometheus.MustRegister(RoutingFailures)
		prometheus.MustRegister(Reconnections)
		prometheus.MustRegister(KeepalivePings)
		prometheus.MustRegister(HistoryDisabled)
		prometheus.MustRegister(RouteLatency)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
