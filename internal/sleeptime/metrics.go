package sleeptime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_sleeptime_queue_depth",
		Help: "Number of curation tasks currently queued for the sleep-time scheduler.",
	})

	schedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_sleeptime_state",
			Help: "1 for the scheduler's current state, 0 for every other known state.",
		},
		[]string{"state"},
	)

	taskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_sleeptime_tasks_total",
			Help: "Curation tasks processed by outcome (success|error).",
		},
		[]string{"outcome"},
	)
)

// knownStates lists every State so recordState can zero out the ones the
// scheduler isn't currently in.
var knownStates = []State{StateIdle, StateProcessing, StatePaused, StateShutdown}

func recordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func recordState(state State) {
	for _, s := range knownStates {
		if s == state {
			schedulerState.WithLabelValues(string(s)).Set(1)
		} else {
			schedulerState.WithLabelValues(string(s)).Set(0)
		}
	}
}

func recordTaskOutcome(outcome string) {
	taskOutcomes.WithLabelValues(outcome).Inc()
}
