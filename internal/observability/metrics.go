// Package observability holds the Prometheus collectors shared by the
// store, reconciler, sharing manager and relay.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Local store operations, labeled by store, operation and result.",
	}, []string{"store", "op", "result"})

	storeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nightlog",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Time spent in the serialized store executor, including queueing.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"store", "op"})

	storeLastToken = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nightlog",
		Subsystem: "store",
		Name:      "last_transaction_token",
		Help:      "Token of the most recent committed transaction per store.",
	}, []string{"store"})

	syncCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Reconciler cycles, labeled by store and result.",
	}, []string{"store", "result"})

	syncMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "sync",
		Name:      "changes_merged_total",
		Help:      "Activity changes produced by merging remote records.",
	}, []string{"store"})

	syncPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "sync",
		Name:      "records_pushed_total",
		Help:      "Records pushed to the remote replica, labeled by store and result.",
	}, []string{"store", "result"})

	syncState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nightlog",
		Subsystem: "sync",
		Name:      "state",
		Help:      "Current reconciler state per store (0 idle, 1 draining, 2 merging, 3 notifying).",
	}, []string{"store"})

	syncLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nightlog",
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful reconciler cycle.",
	}, []string{"store"})

	shareOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "share",
		Name:      "operations_total",
		Help:      "Sharing operations, labeled by operation and result.",
	}, []string{"op", "result"})

	relayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nightlog",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Relay HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"})

	relaySubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nightlog",
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Connected websocket subscribers.",
	})
)

func init() {
	prometheus.MustRegister(
		storeOperations, storeDuration, storeLastToken,
		syncCycles, syncMerged, syncPushed, syncState, syncLastSuccess,
		shareOperations,
		relayRequests, relaySubscribers,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStoreOp counts one store operation and its latency.
func RecordStoreOp(store, op string, started time.Time, err error) {
	storeOperations.WithLabelValues(store, op, result(err)).Inc()
	storeDuration.WithLabelValues(store, op).Observe(time.Since(started).Seconds())
}

// RecordCommit updates the last committed token of a store.
func RecordCommit(store string, token int64) {
	storeLastToken.WithLabelValues(store).Set(float64(token))
}

// RecordSyncCycle counts a reconciler cycle.
func RecordSyncCycle(store string, merged int, err error) {
	syncCycles.WithLabelValues(store, result(err)).Inc()
	if err != nil {
		return
	}
	syncMerged.WithLabelValues(store).Add(float64(merged))
	syncLastSuccess.WithLabelValues(store).Set(float64(time.Now().Unix()))
}

// RecordPush counts pushed records.
func RecordPush(store string, n int, err error) {
	if n == 0 && err == nil {
		return
	}
	syncPushed.WithLabelValues(store, result(err)).Add(float64(n))
}

// SetSyncState publishes the reconciler state of a store.
func SetSyncState(store string, state int) {
	syncState.WithLabelValues(store).Set(float64(state))
}

// RecordShareOp counts a sharing operation.
func RecordShareOp(op string, err error) {
	shareOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordRelayRequest counts one relay request.
func RecordRelayRequest(route, code string) {
	relayRequests.WithLabelValues(route, code).Inc()
}

// SetRelaySubscribers publishes the websocket subscriber count.
func SetRelaySubscribers(n int) {
	relaySubscribers.Set(float64(n))
}
