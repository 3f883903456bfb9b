// Package metrics exposes the proxy's Prometheus counters and gauges,
// all under the marchproxy_dblb namespace, following the promauto
// vector pattern the teacher used for its Galera gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted, by protocol and route.",
		},
		[]string{"protocol", "route"},
	)

	connectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_dblb",
			Name:      "connections_active",
			Help:      "Currently active client connections, by protocol and route.",
		},
		[]string{"protocol", "route"},
	)

	connectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marchproxy_dblb",
			Name:      "connection_duration_seconds",
			Help:      "Duration of a completed client connection.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"protocol", "route"},
	)

	bytesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded, by protocol and direction.",
		},
		[]string{"protocol", "direction"},
	)

	redirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "redirects_total",
			Help:      "Total MOVED/ASK redirects handled, by kind.",
		},
		[]string{"kind"},
	)

	redirectBudgetExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "redirect_budget_exhausted_total",
			Help:      "Commands that exhausted their redirect budget.",
		},
		[]string{"route"},
	)

	healthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "health_transitions_total",
			Help:      "Backend health bit transitions, by protocol and resulting status.",
		},
		[]string{"protocol", "status"},
	)

	upstreamDialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_dblb",
			Name:      "upstream_dial_failures_total",
			Help:      "Failed upstream dial attempts, by protocol.",
		},
		[]string{"protocol"},
	)
)

func IncConnectionAccepted(protocol, route string) {
	connectionsAccepted.WithLabelValues(protocol, route).Inc()
	connectionsActive.WithLabelValues(protocol, route).Inc()
}

func ObserveConnectionClosed(protocol, route string, durationSeconds float64) {
	connectionsActive.WithLabelValues(protocol, route).Dec()
	connectionDuration.WithLabelValues(protocol, route).Observe(durationSeconds)
}

func AddBytesForwarded(protocol, direction string, n int64) {
	bytesForwarded.WithLabelValues(protocol, direction).Add(float64(n))
}

func IncRedirect(kind string) {
	redirectsTotal.WithLabelValues(kind).Inc()
}

func IncRedirectBudgetExhausted(route string) {
	redirectBudgetExhausted.WithLabelValues(route).Inc()
}

func IncHealthTransition(protocol, status string) {
	healthTransitions.WithLabelValues(protocol, status).Inc()
}

func IncUpstreamDialFailure(protocol string) {
	upstreamDialFailures.WithLabelValues(protocol).Inc()
}
