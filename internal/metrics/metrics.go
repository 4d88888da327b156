/*
Package metrics exposes the server's Prometheus counters and
histograms.

METRICS:
  syncd_operations_total{status}        - per-operation outcomes
  syncd_conflicts_total{kind}           - conflicts raised, by kind
  syncd_batch_duration_seconds          - ProcessBatch wall time

SEE ALSO:
  - cmd/server/main.go: serves Handler() on SYNCD_METRICS_ADDR
  - api/handlers.go: records OperationsTotal/ConflictsTotal/BatchDuration
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_operations_total",
			Help: "Total number of sync operations processed, by result status",
		},
		[]string{"status"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_conflicts_total",
			Help: "Total number of conflicts raised, by kind",
		},
		[]string{"kind"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncd_batch_duration_seconds",
			Help:    "Time taken to process a sync batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(ConflictsTotal)
	prometheus.MustRegister(BatchDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for a later ObserveDuration call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
