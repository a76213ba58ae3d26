// Package metrics holds the Prometheus collectors shared by the sync server
// and the background worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path is where both binaries expose their collectors
const Path = "/metrics"

var (
	drainsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erpsync_worker_drains_total",
			Help: "The total number of queue drain passes",
		},
	)
	drainItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpsync_worker_items_total",
			Help: "Queue items seen by drain passes, by outcome",
		},
		[]string{"outcome"},
	)
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpsync_queue_items",
			Help: "Rows in the local offline queue, by state",
		},
		[]string{"state"},
	)
	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erpsync_online",
			Help: "Whether the Sync Endpoint was reachable at the last check",
		},
	)
	applyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpsync_apply_requests_total",
			Help: "Apply requests handled by the Sync Endpoint, by result code",
		},
		[]string{"code"},
	)
)

// DrainOutcome is the per-pass tally reported by the worker
type DrainOutcome struct {
	Succeeded    int
	Failed       int
	DeadLettered int
	Blocked      int
}

// ObserveDrain records one drain pass
func ObserveDrain(o DrainOutcome) {
	drainsTotal.Inc()
	drainItems.WithLabelValues("succeeded").Add(float64(o.Succeeded))
	drainItems.WithLabelValues("failed").Add(float64(o.Failed))
	drainItems.WithLabelValues("dead_lettered").Add(float64(o.DeadLettered))
	drainItems.WithLabelValues("blocked").Add(float64(o.Blocked))
}

// SetQueueDepth publishes the queue row counts
func SetQueueDepth(pending, done, dead int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("done").Set(float64(done))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// SetOnline publishes the connectivity flag
func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}

// ObserveApply counts one apply response; code is "ok" or the error code
func ObserveApply(code string) {
	applyTotal.WithLabelValues(code).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
