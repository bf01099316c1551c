package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "graph",
		Name:      "flushes_total",
		Help:      "Completed graph batch flushes.",
	})

	flushedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "graph",
		Name:      "flushed_ops_total",
		Help:      "Graph operations written by kind.",
	}, []string{"kind"})
)

func recordFlush(nodes, edges int) {
	flushesTotal.Inc()
	flushedOps.WithLabelValues("node").Add(float64(nodes))
	flushedOps.WithLabelValues("edge").Add(float64(edges))
}
