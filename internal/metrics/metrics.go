// Package metrics defines the Prometheus metrics the router exports. All
// collectors are registered upfront, mirroring the teacher's approach of
// registering the full vector set regardless of which features are
// exercised at runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of active backend connections per target.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_connections_active",
		Help: "Number of active backend connections per target",
	}, []string{"target_id"})

	// ConnectionsIdle tracks the number of idle backend connections per target.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_connections_idle",
		Help: "Number of idle connections in the pool per target",
	}, []string{"target_id"})

	// ConnectionsMax tracks the configured max connections per target.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_connections_max",
		Help: "Configured maximum connections per target",
	}, []string{"target_id"})

	// ConnectionsTotal counts total connection acquire/release operations.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_connections_total",
		Help: "Total connection operations",
	}, []string{"target_id", "status"})

	// QueueLength tracks the current queue length per target.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_queue_length",
		Help: "Number of requests waiting in queue per target",
	}, []string{"target_id"})

	// QueueWaitDuration tracks the time requests spend waiting in queue.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"target_id"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"target_id", "error_type"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_redis_operations_total",
		Help: "Total Redis coordination operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// ConnectorStageDuration tracks how long each lazy-connector stage
	// takes, labeled by the connector's stage name.
	ConnectorStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_connector_stage_seconds",
		Help:    "Duration of each lazy-connector stage",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage"})

	// ConnectorRetries counts connect-retry attempts (spec §4.3).
	ConnectorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_connector_retries_total",
		Help: "Total connect retry attempts",
	}, []string{"target_id"})

	// ConnectorFallbacks counts read-only to read-write fallbacks (spec §4.1
	// FallbackToWrite).
	ConnectorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_connector_fallbacks_total",
		Help: "Total read-only to read-write fallbacks",
	}, []string{"target_id"})

	// SessionStateAnomalies counts SelectSessionVariables capture anomalies
	// (spec §4.2, §9 Open Question — disables sharing without wiping the store).
	SessionStateAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_session_state_anomalies_total",
		Help: "Total session-variable capture anomalies that disabled sharing",
	}, []string{"target_id"})
)
