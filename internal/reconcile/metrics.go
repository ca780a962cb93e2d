package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var diagnosticsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "planner_merge_diagnostics_total",
	Help: "Recovered problems found while merging drafts with server plans",
}, []string{"kind"})
