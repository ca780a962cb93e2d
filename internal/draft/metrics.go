package draft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var draftCorrupt = promauto.NewCounter(prometheus.CounterOpts{
	Name: "planner_draft_corrupt_total",
	Help: "Stored drafts that could not be decoded and were treated as absent",
})
