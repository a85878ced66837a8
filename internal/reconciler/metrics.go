package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	pushedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "records_pushed_total",
		Help:      "Pending records accepted by the remote store.",
	})

	pushFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "push_failures_total",
		Help:      "Pending records the remote store did not accept; they stay pending.",
	})

	pulledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "records_pulled_total",
		Help:      "Remote records applied locally, labeled by merge outcome.",
	}, []string{"outcome"})

	malformedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "malformed_records_total",
		Help:      "Pulled records dropped because a required field was missing.",
	})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "conflicts_overwritten_total",
		Help:      "Unsynced local edits superseded by a newer remote edit.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "run_duration_seconds",
		Help:      "Time spent in one push and pull cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	runCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Reconciler runs, labeled by trigger reason and result.",
	}, []string{"reason", "result"})
)

func init() {
	prometheus.MustRegister(pushedCounter, pushFailedCounter, pulledCounter, malformedCounter, conflictCounter, runDuration, runCounter)
}
