// Package metrics provides Prometheus metrics for the reader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncTotal counts finished sync passes.
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "speedyreader",
			Name:      "sync_total",
			Help:      "Total number of sync passes",
		},
		[]string{"status"},
	)

	// SyncDuration measures sync pass duration.
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "speedyreader",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ArticlesTotal counts article reconciliation outcomes.
	ArticlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "speedyreader",
			Name:      "articles_total",
			Help:      "Articles processed by sync passes, by outcome",
		},
		[]string{"outcome"},
	)

	// FetchErrorsTotal counts per-feed fetch failures by kind.
	FetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "speedyreader",
			Name:      "fetch_errors_total",
			Help:      "Total number of feed fetch failures",
		},
		[]string{"kind"},
	)

	// TasksInFlight tracks running background operations.
	TasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "speedyreader",
			Name:      "tasks_in_flight",
			Help:      "Background operations currently running",
		},
		[]string{"kind"},
	)
)

// RecordSync records a finished sync pass.
func RecordSync(status string, seconds float64) {
	SyncTotal.WithLabelValues(status).Inc()
	SyncDuration.Observe(seconds)
}

// RecordArticles adds n articles with the given outcome.
func RecordArticles(outcome string, n int) {
	if n > 0 {
		ArticlesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordFetchError records a failed feed fetch.
func RecordFetchError(kind string) {
	FetchErrorsTotal.WithLabelValues(kind).Inc()
}

// TaskStarted marks an operation of kind as running.
func TaskStarted(kind string) {
	TasksInFlight.WithLabelValues(kind).Inc()
}

// TaskFinished marks an operation of kind as done.
func TaskFinished(kind string) {
	TasksInFlight.WithLabelValues(kind).Dec()
}
