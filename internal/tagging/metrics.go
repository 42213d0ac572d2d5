package tagging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagging_taps_total",
		Help: "Tap events by role and outcome.",
	}, []string{"role", "outcome"})

	confirmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagging_confirms_total",
		Help: "Confirmation calls by role and outcome.",
	}, []string{"role", "outcome"})
)
