// Package observability holds process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	remoteWriteGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heatsync",
		Subsystem: "remote",
		Name:      "last_session_write_timestamp_seconds",
		Help:      "Edit timestamp of the most recent session version accepted by the cloud store.",
	})
	localEditGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heatsync",
		Subsystem: "device",
		Name:      "last_local_edit_timestamp_seconds",
		Help:      "Edit timestamp of the most recent local capture, edit or delete.",
	})
	localSyncedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heatsync",
		Subsystem: "device",
		Name:      "last_sync_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent reconciler run that completed without error.",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heatsync",
		Subsystem: "device",
		Name:      "pending_sessions",
		Help:      "Session records still awaiting acknowledgement by the cloud store.",
	})
)

func init() {
	prometheus.MustRegister(remoteWriteGauge, localEditGauge, localSyncedGauge, pendingGauge)
}

// RecordRemoteWrite updates the cloud write watermark.
func RecordRemoteWrite(ts time.Time) {
	if ts.IsZero() {
		return
	}
	remoteWriteGauge.Set(float64(ts.Unix()))
}

// RecordLocalEdit updates the local edit watermark.
func RecordLocalEdit(ts time.Time) {
	if ts.IsZero() {
		return
	}
	localEditGauge.Set(float64(ts.Unix()))
}

// RecordSyncSuccess updates the last successful sync watermark.
func RecordSyncSuccess(ts time.Time) {
	if ts.IsZero() {
		return
	}
	localSyncedGauge.Set(float64(ts.Unix()))
}

// SetPending records the current pending backlog.
func SetPending(n int) {
	pendingGauge.Set(float64(n))
}
