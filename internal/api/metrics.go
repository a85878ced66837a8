package api

import "github.com/prometheus/client_golang/prometheus"

var (
	pushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "api",
		Name:      "pushes_total",
		Help:      "Pushed session records by merge outcome.",
	}, []string{"outcome"})

	pulledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heatsync",
		Subsystem: "api",
		Name:      "records_served_total",
		Help:      "Session records returned by pull requests.",
	})
)

func init() {
	prometheus.MustRegister(pushCounter, pulledCounter)
}
