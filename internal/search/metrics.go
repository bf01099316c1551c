package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "search",
		Name:      "total",
		Help:      "Searches by confidence grade.",
	}, []string{"confidence", "degraded"})
)

func recordSearch(confidence string, degraded bool, elapsed time.Duration) {
	searchDuration.Observe(elapsed.Seconds())
	degradedLabel := "false"
	if degraded {
		degradedLabel = "true"
	}
	searchesTotal.WithLabelValues(confidence, degradedLabel).Inc()
}
