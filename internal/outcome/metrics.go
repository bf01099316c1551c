package outcome

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "outcome",
		Name:      "recorded_total",
		Help:      "Outcomes recorded by kind.",
	}, []string{"outcome"})

	promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "outcome",
		Name:      "promotions_total",
		Help:      "Tier promotions by transition.",
	}, []string{"from", "to"})
)

func recordOutcomeMetric(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}

func recordPromotionMetric(from, to string) {
	promotionsTotal.WithLabelValues(from, to).Inc()
}
