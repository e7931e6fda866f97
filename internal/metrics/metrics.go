// Package metrics declares the Prometheus series exposed by the sync
// server: connection counts, per-document coordinator depth, broadcast
// volume, and awareness store size.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "syncserver_connections_active",
	Help: "number of currently registered connections",
})

var ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncserver_connections_total",
	Help: "total connections accepted, by terminal close code",
}, []string{"close_code"})

var AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncserver_auth_attempts_total",
	Help: "auth frame outcomes",
}, []string{"result"})

var CoordinatorsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "syncserver_coordinators_loaded",
	Help: "number of per-document coordinators currently resident in memory",
})

var CoordinatorQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "syncserver_coordinator_queue_depth",
	Help: "input queue depth of a document coordinator",
}, []string{"doc_id"})

var DeltasAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncserver_deltas_applied_total",
	Help: "field writes that won their LWW comparison and were applied",
}, []string{"origin"})

var StoreWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syncserver_store_write_failures_total",
	Help: "document store write attempts that failed after exhausting retries",
})

var BusPublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncserver_bus_publish_failures_total",
	Help: "cross-node bus publish attempts that returned an error",
}, []string{"channel_kind"})

var AwarenessEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "syncserver_awareness_entries",
	Help: "number of live awareness entries across all documents",
})

var BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncserver_broadcasts_total",
	Help: "fan-out sends issued by the registry broadcast path",
}, []string{"kind"})
