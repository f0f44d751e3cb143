package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybridge_submissions_total",
			Help: "Total number of submissions resolved, by outcome",
		},
		[]string{"outcome"}, // success, error, incomplete, failed
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polybridge_submission_duration_seconds",
			Help:    "Time from submission to result in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 5, 30},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polybridge_queue_depth",
			Help: "Current number of pending submissions",
		},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polybridge_queue_rejections_total",
			Help: "Submissions rejected because the queue was full",
		},
	)

	ProcessLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybridge_process_launches_total",
			Help: "Child process launches, by reason",
		},
		[]string{"reason"}, // start, restart_failure, restart_completion
	)

	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybridge_process_exits_total",
			Help: "Child process exits, by kind",
		},
		[]string{"kind"}, // clean, crash, stopped
	)

	ProcessState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polybridge_process_state",
			Help: "Supervisor state: 0 not started, 1 running, 2 stopped, 3 crashed",
		},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybridge_callbacks_total",
			Help: "Side-channel callbacks invoked by the child, by function and outcome",
		},
		[]string{"fn", "outcome"},
	)

	StateEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polybridge_state_entries",
			Help: "Entries currently held in the shared state",
		},
	)
)
