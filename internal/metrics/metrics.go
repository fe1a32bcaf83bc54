// Package metrics exposes the core attendance counters on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts accepted scans by resulting status.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_scans_total",
		Help: "Accepted check-in scans by resulting status.",
	}, []string{"status"})

	// ScanConflictsTotal counts rejected duplicate scans.
	ScanConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_scan_conflicts_total",
		Help: "Scans rejected because a terminal record already existed.",
	})

	// SessionsOpened counts sessions created by check-ins.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sessions_opened_total",
		Help: "Class sessions created.",
	})

	// SessionsSealed counts sessions closed by sweep or checkout.
	SessionsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_sessions_sealed_total",
		Help: "Class sessions sealed, by closer (sweep or checkout).",
	}, []string{"by"})

	// SweepFailures counts sessions a sweep pass could not finalize.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sweep_failures_total",
		Help: "Sessions a sweep pass failed to finalize.",
	})
)
