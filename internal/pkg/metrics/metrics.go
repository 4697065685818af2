// Package metrics defines and registers the custom Prometheus metrics of the
// SiteCraft API. It is the single source of truth for metric names, labels,
// and help strings.
//
// Metrics are registered with the default Prometheus registry at package
// init through promauto; the HTTP layer exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitecraft"

// ── Auth metrics ──────────────────────────────────────────────────────────────

// AuthOperationsTotal counts auth operations by outcome.
// Labels:
//   - operation: "register", "login" or "verify"
//   - result: "success" or the error class (e.g. "invalid_credentials", "unavailable")
var AuthOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_operations_total",
		Help:      "Total number of auth operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// PasswordHashDuration measures bcrypt hashing and comparison time.
// Label:
//   - op: "hash" or "compare"
var PasswordHashDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "auth_password_hash_duration_seconds",
		Help:      "Duration of password hashing and comparison.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"op"},
)

// ── Connection metrics ────────────────────────────────────────────────────────

// MongoConnectAttemptsTotal counts connection attempts made by the manager.
// Label:
//   - result: "success" or "failure"
var MongoConnectAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mongo_connect_attempts_total",
		Help:      "Total number of MongoDB connection attempts, by result.",
	},
	[]string{"result"},
)

// MongoConnectionState mirrors the manager state:
// 0 disconnected, 1 connecting, 2 connected, 3 error.
var MongoConnectionState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mongo_connection_state",
		Help:      "Current MongoDB connection state (0 disconnected, 1 connecting, 2 connected, 3 error).",
	},
)

// MongoLinkEventsTotal counts asynchronous link notifications from the driver.
// Label:
//   - event: "connected", "error" or "disconnected"
var MongoLinkEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mongo_link_events_total",
		Help:      "Total number of link state notifications received from the MongoDB driver.",
	},
	[]string{"event"},
)
