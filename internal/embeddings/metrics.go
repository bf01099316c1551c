package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "embeddings",
		Name:      "generation_duration_seconds",
		Help:      "Time spent generating embeddings.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model", "operation"})

	generationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "embeddings",
		Name:      "generation_total",
		Help:      "Total embedding generation calls.",
	}, []string{"model", "operation", "status"})

	textsEmbedded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "embeddings",
		Name:      "texts_total",
		Help:      "Total texts embedded.",
	}, []string{"model"})
)

func recordGeneration(model, operation string, elapsed time.Duration, count int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	generationDuration.WithLabelValues(model, operation).Observe(elapsed.Seconds())
	generationTotal.WithLabelValues(model, operation, status).Inc()
	if err == nil {
		textsEmbedded.WithLabelValues(model).Add(float64(count))
	}
}
