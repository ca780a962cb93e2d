package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "planner_exports_total",
	Help: "Export requests by mode and outcome",
}, []string{"mode", "outcome"})
