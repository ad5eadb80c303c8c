package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "api_requests_total",
			Help:      "Backend HTTP requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	snapshotsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "snapshots_applied_total",
			Help:      "Queue snapshots applied, by delivery source.",
		},
		[]string{"source"},
	)

	snapshotsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "snapshots_discarded_total",
			Help:      "Late responses discarded because a newer snapshot was already applied.",
		},
	)

	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "stream_reconnects_total",
			Help:      "Push channel redial attempts.",
		},
	)

	staleTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "stale_ticks_total",
			Help:      "Poll ticks that failed and left the previous snapshot displayed.",
		},
	)

	cockpitActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "cockpit_actions_total",
			Help:      "Cockpit queue mutations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuesync",
			Name:      "protocol_violations_total",
			Help:      "Backend responses that violated a client invariant and were degraded.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			apiRequests,
			snapshotsApplied,
			snapshotsDiscarded,
			streamReconnects,
			staleTicks,
			cockpitActions,
			protocolViolations,
		)
	})
}

// IncAPIRequest increments the request counter for an endpoint label.
func IncAPIRequest(endpoint, outcome string) {
	apiRequests.WithLabelValues(endpoint, outcome).Inc()
}

// IncSnapshotApplied counts one applied snapshot ("stream", "poll" or "cache").
func IncSnapshotApplied(source string) {
	snapshotsApplied.WithLabelValues(source).Inc()
}

// IncSnapshotDiscarded counts a stale response dropped by sequence check.
func IncSnapshotDiscarded() {
	snapshotsDiscarded.Inc()
}

// IncStreamReconnect counts a push channel redial.
func IncStreamReconnect() {
	streamReconnects.Inc()
}

// IncStaleTick counts a failed refresh that kept prior data on screen.
func IncStaleTick() {
	staleTicks.Inc()
}

// IncCockpitAction counts a queue mutation attempt.
func IncCockpitAction(action, outcome string) {
	cockpitActions.WithLabelValues(action, outcome).Inc()
}

// IncProtocolViolation counts a degraded backend response.
func IncProtocolViolation() {
	protocolViolations.Inc()
}
