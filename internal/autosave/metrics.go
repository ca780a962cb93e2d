package autosave

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planner_autosave_mutations_total",
		Help: "Mutations accepted by autosave coordinators",
	})
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_autosave_saves_total",
		Help: "Remote save attempts by outcome",
	}, []string{"outcome"})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planner_autosave_retries_total",
		Help: "Remote saves rescheduled after a transient failure",
	})
	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planner_autosave_save_duration_seconds",
		Help:    "Latency of one remote save attempt",
		Buckets: prometheus.DefBuckets,
	})
)
