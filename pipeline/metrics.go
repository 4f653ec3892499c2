package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidentia_rows_accepted_total",
		Help: "Normalized rows committed to the silver layer.",
	})
	rowsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidentia_rows_quarantined_total",
		Help: "Rows rejected by the quality gate.",
	})
	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentia_runs_total",
		Help: "Completed transform runs by outcome.",
	}, []string{"outcome"})
	objectsTransformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidentia_objects_transformed_total",
		Help: "Raw objects processed by the transform.",
	})
)
