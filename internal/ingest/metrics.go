package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "ingest",
		Name:      "items_total",
		Help:      "Ingested items by result.",
	}, []string{"result"})

	indexFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "ingest",
		Name:      "index_failures_total",
		Help:      "Detached embed/index task failures.",
	})

	reindexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "ingest",
		Name:      "reindexed_total",
		Help:      "Items re-embedded by the deferred reindexer.",
	})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "ingest",
		Name:      "evicted_total",
		Help:      "Items archived by per-tier capacity enforcement.",
	})
)

func recordIngest(result string) {
	ingestTotal.WithLabelValues(result).Inc()
}

func recordIndexFailure() {
	indexFailures.Inc()
}

func recordReindexed(n int) {
	reindexedTotal.Add(float64(n))
}

func recordEvicted(n int) {
	evictedTotal.Add(float64(n))
}
