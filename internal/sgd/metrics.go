package sgd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_updates_total",
		Help: "Total number of successful SGD updates",
	}, []string{"path"})

	noopUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_noop_updates_total",
		Help: "Updates skipped because the sparse gradient had no rows",
	}, []string{"path"})

	rowsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_rows_updated_total",
		Help: "Total number of gradient rows applied to parameters",
	}, []string{"path"})

	updateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_update_errors_total",
		Help: "Total number of rejected SGD updates",
	}, []string{"kind"})

	updateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "descent_update_duration_seconds",
		Help:    "Time spent applying a single SGD update",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"path"})
)
