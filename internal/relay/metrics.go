package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	sentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "relay",
		Name:      "records_sent_total",
		Help:      "Number of session records offered to the paired device.",
	})

	ackedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "relay",
		Name:      "records_acked_total",
		Help:      "Number of session records the paired device acknowledged.",
	})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "relay",
		Name:      "round_failures_total",
		Help:      "Relay rounds that returned no acknowledgement, labeled by reason.",
	}, []string{"reason"})

	receivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "relay",
		Name:      "records_received_total",
		Help:      "Session records received from the paired device, labeled by merge outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(sentCounter, ackedCounter, failureCounter, receivedCounter)
}
