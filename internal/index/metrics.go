package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var indexOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recalld",
	Subsystem: "index",
	Name:      "operations_total",
	Help:      "Semantic index operations by breaker state and status.",
}, []string{"operation", "breaker_state", "status"})

func recordIndexOp(operation, breakerState string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	indexOps.WithLabelValues(operation, breakerState, status).Inc()
}
