// Package metrics provides Prometheus instrumentation for the bus
// daemon: messages routed, tx queue depth/drops, idle-probe activity,
// endpoint lifecycle transitions, name-ownership churn, and the
// advertise/discover/observed-name map sizes the control plane tracks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// ROUTER METRICS
// =============================================================================

var (
	messagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busd_messages_routed_total",
			Help: "Total number of messages passed through Router.Push, by outcome",
		},
		[]string{"result"}, // delivered, policy_denied, error
	)

	nameOwnershipChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busd_name_ownership_changes_total",
			Help: "Total number of NameTable ownership notifications fired",
		},
	)
)

// RecordRoute increments the router outcome counter for one processed message.
func RecordRoute(result string) {
	messagesRoutedTotal.WithLabelValues(result).Inc()
}

// RecordNameOwnershipChange increments the name-ownership churn counter.
func RecordNameOwnershipChange() {
	nameOwnershipChangesTotal.Inc()
}

// =============================================================================
// ENDPOINT METRICS
// =============================================================================

var (
	txQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busd_endpoint_tx_queue_depth",
			Help: "Current number of messages buffered in an endpoint's tx queue",
		},
		[]string{"endpoint"},
	)

	txQueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busd_endpoint_tx_queue_drops_total",
			Help: "Total number of messages dropped from an endpoint's tx queue",
		},
		[]string{"endpoint", "reason"}, // reason: ttl_expired, backpressure_timeout, ttl_expired_in_queue
	)

	idleProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busd_endpoint_idle_probes_total",
			Help: "Total number of liveness probes sent to idle endpoints",
		},
		[]string{"endpoint"},
	)

	lifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busd_endpoint_lifecycle_transitions_total",
			Help: "Total number of endpoint lifecycle state transitions",
		},
		[]string{"state"},
	)
)

// SetTxQueueDepth records the current occupancy of one endpoint's tx queue.
func SetTxQueueDepth(endpoint string, depth int) {
	txQueueDepth.WithLabelValues(endpoint).Set(float64(depth))
}

// RecordTxQueueDrop increments the drop counter for one endpoint.
func RecordTxQueueDrop(endpoint, reason string) {
	txQueueDropsTotal.WithLabelValues(endpoint, reason).Inc()
}

// RecordIdleProbe increments the idle-probe counter for one endpoint.
func RecordIdleProbe(endpoint string) {
	idleProbesTotal.WithLabelValues(endpoint).Inc()
}

// RecordLifecycleTransition increments the transition counter for the
// state an endpoint just entered.
func RecordLifecycleTransition(state string) {
	lifecycleTransitionsTotal.WithLabelValues(state).Inc()
}

// =============================================================================
// CONTROL PLANE METRICS
// =============================================================================

var (
	advertiseMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busd_advertise_map_size",
			Help: "Number of distinct names currently advertised by local endpoints",
		},
	)

	discoverMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busd_discover_map_size",
			Help: "Number of distinct discovery prefix subscriptions currently active",
		},
	)

	observedNameReapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busd_observed_name_reaps_total",
			Help: "Total number of observed remote-name entries expired by the reaper",
		},
	)
)

// SetAdvertiseMapSize records the number of distinct advertised names.
func SetAdvertiseMapSize(n int) { advertiseMapSize.Set(float64(n)) }

// SetDiscoverMapSize records the number of distinct discovery prefixes.
func SetDiscoverMapSize(n int) { discoverMapSize.Set(float64(n)) }

// RecordObservedNameReap increments the reaper's expiry counter by n.
func RecordObservedNameReap(n int) {
	observedNameReapsTotal.Add(float64(n))
}
