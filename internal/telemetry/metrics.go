package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ModelRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votes_model_runs_total",
		Help: "Model executions by outcome",
	}, []string{"model", "outcome"})

	ModelAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votes_model_retries_total",
		Help: "Model attempts that failed and were retried",
	}, []string{"model"})

	UnitsRecomputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votes_units_recomputed_total",
		Help: "Units of work recomputed per model",
	}, []string{"model"})

	ModelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "votes_model_duration_seconds",
		Help:    "Wall time of successful model executions",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"model"})

	QueueUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votes_queue_updates_total",
		Help: "Queued updates by outcome",
	}, []string{"outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
